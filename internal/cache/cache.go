package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/OrlandoBitencourt/flagwatch/internal/storage"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// All point queries share one pending fetch
const fetchKey = "all"

// Cache collapses concurrent point queries onto a single in-flight gateway
// call. By default it retains nothing once that call completes.
type Cache struct {
	// Dependencies (injected)
	gateway   gateway.Gateway
	storage   storage.SnapshotStore
	telemetry telemetry.Provider
	logger    zerolog.Logger

	// Configuration
	config Config

	// flightMu makes a forced query's Forget and DoChan one step
	flightMu sync.Mutex
	group    singleflight.Group

	// saveMu orders snapshot writes; savedSeq is the newest fetch retained
	saveMu   sync.Mutex
	savedSeq uint64

	mu    sync.Mutex
	seq   uint64
	stats Stats
}

// Stats counts what the cache did with the queries it received
type Stats struct {
	// Fetches is the number of gateway calls started
	Fetches uint64
	// Joined is the number of queries that attached to a pending fetch
	Joined uint64
	// Forced is the number of forced queries
	Forced uint64
	// Failures is the number of gateway calls that failed
	Failures uint64
	// Hits is the number of queries served from the retained snapshot
	Hits uint64
}

// New creates a new cache with the given options
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		config:    DefaultConfig(),
		telemetry: telemetry.NewNoOp(),
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if c.config.SnapshotTTL > 0 && c.storage == nil {
		return nil, fmt.Errorf("storage is required when snapshot ttl is set")
	}

	return c, nil
}

// GetAll returns the complete flag mapping.
//
// A forced query, or one arriving while nothing is pending, starts a new
// gateway call which becomes the pending fetch. A non-forced query arriving
// while a fetch is pending waits for that fetch instead. Every caller
// attached to a fetch receives its result or its error.
func (c *Cache) GetAll(ctx context.Context, force bool) (domain.FlagMap, error) {
	if force {
		c.count(func(s *Stats) { s.Forced++ })
	} else if flags, ok := c.retained(ctx); ok {
		return flags, nil
	}

	started := false
	start := time.Now()

	c.flightMu.Lock()
	if force {
		// Later non-forced queries attach to this call, not the older one
		c.group.Forget(fetchKey)
	}
	ch := c.group.DoChan(fetchKey, func() (interface{}, error) {
		started = true
		return c.fetch(ctx)
	})
	c.flightMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case res := <-ch:
		joined := !started
		if joined {
			c.count(func(s *Stats) { s.Joined++ })
		}
		c.telemetry.RecordFetch(ctx, force, joined, res.Err == nil, time.Since(start))

		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(domain.FlagMap), nil
	}
}

// fetch performs the shared gateway call. It is detached from the
// initiating caller's cancellation so that joined callers are not failed
// by someone else giving up.
func (c *Cache) fetch(parent context.Context) (domain.FlagMap, error) {
	ctx := context.WithoutCancel(parent)
	if c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	ctx, span := c.telemetry.StartSpan(ctx, "flagwatch.fetch")
	defer span.End()

	c.mu.Lock()
	c.stats.Fetches++
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	flags, err := c.gateway.FetchAll(ctx)
	if err != nil {
		c.count(func(s *Stats) { s.Failures++ })
		span.RecordError(err)
		c.logger.Debug().Err(err).Msg("flag fetch failed")
		return nil, domain.NewGatewayError("fetch all", err)
	}
	if flags == nil {
		flags = domain.FlagMap{}
	}

	span.SetAttributes(telemetry.Int("flag.count", len(flags)))

	if c.config.SnapshotTTL > 0 {
		c.retain(ctx, seq, flags)
	}

	return flags, nil
}

// retain saves flags unless a fetch started later has already been retained
func (c *Cache) retain(ctx context.Context, seq uint64, flags domain.FlagMap) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if seq <= c.savedSeq {
		c.logger.Debug().Uint64("fetch", seq).Uint64("retained", c.savedSeq).Msg("not retaining older fetch result")
		return
	}

	if err := c.storage.Save(ctx, flags, c.config.SnapshotTTL); err != nil {
		c.logger.Warn().Err(err).Msg("failed to retain flag snapshot")
		return
	}
	c.savedSeq = seq
}

// retained returns the snapshot kept by a previous fetch, if retention is on
func (c *Cache) retained(ctx context.Context) (domain.FlagMap, bool) {
	if c.config.SnapshotTTL <= 0 {
		return nil, false
	}

	flags, err := c.storage.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("failed to load retained flag snapshot")
		}
		return nil, false
	}

	c.count(func(s *Stats) { s.Hits++ })
	c.telemetry.RecordSnapshotHit(ctx)
	return flags, true
}

// Invalidate drops the retained snapshot, if any. Fetches already in
// flight are not retained when they complete.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.storage == nil {
		return nil
	}

	c.mu.Lock()
	issued := c.seq
	c.mu.Unlock()

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if issued > c.savedSeq {
		c.savedSeq = issued
	}
	return c.storage.Clear(ctx)
}

// Stats returns a copy of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Config returns the cache configuration
func (c *Cache) Config() Config {
	return c.config
}

// StorageMetrics returns metrics of the snapshot store, if one is configured
func (c *Cache) StorageMetrics() storage.Metrics {
	if c.storage == nil {
		return storage.Metrics{}
	}
	return c.storage.Metrics()
}

// Close releases the snapshot store
func (c *Cache) Close() error {
	if c.storage == nil {
		return nil
	}
	return c.storage.Close()
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
