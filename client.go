// Package flagwatch fetches feature flags from a remote source, serves
// de-duplicated point lookups, and notifies subscribers when a flag
// changes, using a single shared polling timer however many subscribers
// exist.
package flagwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/cache"
	"github.com/OrlandoBitencourt/flagwatch/internal/flagr"
	"github.com/OrlandoBitencourt/flagwatch/internal/server"
	"github.com/OrlandoBitencourt/flagwatch/internal/storage"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/OrlandoBitencourt/flagwatch/internal/watch"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// healthChecker is implemented by gateways that can probe their source
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// breakerReporter is implemented by gateways guarded by a circuit breaker
type breakerReporter interface {
	BreakerState() string
}

// Client is the main entry point for flagwatch. It owns the point-query
// cache, the subscription registry and its polling timer, and the optional
// HTTP servers.
type Client struct {
	gateway   Gateway
	cache     *cache.Cache
	registry  *watch.Registry
	telemetry telemetry.Provider
	logger    zerolog.Logger

	admin   *server.AdminServer
	webhook *server.WebhookServer

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	servers   sync.WaitGroup
}

// New creates a new flagwatch client with the given options.
//
// Example:
//
//	client, err := flagwatch.New(
//	    flagwatch.WithFlagrEndpoint("http://localhost:18000"),
//	    flagwatch.WithPollInterval(2 * time.Second),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	gw, err := cfg.buildGateway()
	if err != nil {
		return nil, err
	}

	var store storage.SnapshotStore
	if cfg.cache.SnapshotTTL > 0 {
		storageCfg := storage.DefaultConfig()
		storageCfg.DefaultTTL = cfg.cache.SnapshotTTL

		mem, err := storage.NewMemoryStorage(storageCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot storage: %w", err)
		}
		store = mem
	}

	c, err := cache.New(
		cache.WithGateway(gw),
		cache.WithStorage(store),
		cache.WithConfig(cfg.cache),
		cache.WithTelemetry(cfg.telemetry),
		cache.WithLogger(cfg.logger),
	)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, domainConfigError("cache", err)
	}

	registry, err := watch.NewRegistry(gw,
		watch.WithConfig(cfg.poll),
		watch.WithTicker(cfg.ticker),
		watch.WithTelemetry(cfg.telemetry),
		watch.WithLogger(cfg.logger),
	)
	if err != nil {
		c.Close()
		return nil, domainConfigError("poll", err)
	}

	client := &Client{
		gateway:   gw,
		cache:     c,
		registry:  registry,
		telemetry: cfg.telemetry,
		logger:    cfg.logger,
	}

	adapter := &serviceAdapter{client: client}
	if cfg.admin.Enabled {
		client.admin = server.NewAdminServer(adapter, cfg.admin.Port, cfg.admin.RateLimit, cfg.logger)
	}
	if cfg.webhook.Enabled {
		client.webhook = server.NewWebhookServer(adapter, cfg.webhook.Port, cfg.webhook.Secret, cfg.webhook.RateLimit, cfg.logger)
	}

	return client, nil
}

func (c *clientConfig) buildGateway() (Gateway, error) {
	if c.gateway != nil {
		return c.gateway, nil
	}

	if c.flagr.Endpoint == "" {
		return nil, &ConfigError{Field: "gateway", Message: "a gateway or flagr endpoint is required"}
	}

	gw, err := flagr.New(c.flagr,
		flagr.WithTelemetry(c.telemetry),
		flagr.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

func domainConfigError(field string, err error) error {
	return &ConfigError{Field: field, Message: err.Error()}
}

// Start launches the optional admin and webhook servers in the background
// and probes the remote source when it supports health checks. Flag queries
// and subscriptions work without calling Start.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	if hc, ok := c.gateway.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("remote source health check failed")
		}
	}

	if c.webhook != nil {
		c.serve("webhook", c.webhook.Start)
	}
	if c.admin != nil {
		c.serve("admin", c.admin.Start)
	}

	return nil
}

func (c *Client) serve(name string, start func() error) {
	c.servers.Add(1)
	go func() {
		defer c.servers.Done()
		if err := start(); err != nil {
			c.logger.Error().Err(err).Str("server", name).Msg("server stopped")
		}
	}()
}

// GetFlag returns the current value of a single flag. Absent flags are
// false. With force set, a fresh fetch is started even if one is already
// in flight; otherwise concurrent queries share one fetch.
//
// The only error is a *GatewayError when the fetch fails, or ErrClosed.
func (c *Client) GetFlag(ctx context.Context, name string, force bool) (bool, error) {
	flags, err := c.Flags(ctx, force)
	if err != nil {
		return false, err
	}
	return flags.Get(name), nil
}

// Bool returns the value of a flag, or false when it cannot be fetched.
func (c *Client) Bool(ctx context.Context, name string) bool {
	value, err := c.GetFlag(ctx, name, false)
	if err != nil {
		c.logger.Warn().Err(err).Str("flag", name).Msg("flag query failed, using false")
		return false
	}
	return value
}

// Flags returns the complete flag mapping with the same sharing rules as
// GetFlag. The returned map belongs to the caller.
func (c *Client) Flags(ctx context.Context, force bool) (FlagMap, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	flags, err := c.cache.GetAll(ctx, force)
	if err != nil {
		return nil, err
	}
	return flags.Clone(), nil
}

// SubscribeToFlag registers l for changes of the named flag. The first
// subscription starts the shared polling timer; cancelling the last one
// stops it. Listeners run on the polling goroutine, one at a time, and
// receive an event only when the flag's value differs from the previous
// poll.
func (c *Client) SubscribeToFlag(name string, l Listener) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := c.registry.Subscribe(name, l)
	if errors.Is(err, watch.ErrRegistryClosed) {
		return nil, ErrClosed
	}
	return sub, err
}

// OnFlagChange subscribes fn to the named flag.
func (c *Client) OnFlagChange(name string, fn func(ChangeEvent)) (*Subscription, error) {
	if fn == nil {
		return nil, &ConfigError{Field: "listener", Message: "cannot be nil"}
	}
	return c.SubscribeToFlag(name, ListenerFunc(fn))
}

// Watch subscribes a buffered channel to the named flag. Calling the
// returned function, or cancelling ctx, unsubscribes and closes the
// channel. Events are dropped when the buffer is full.
func (c *Client) Watch(ctx context.Context, name string) (<-chan ChangeEvent, func(), error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}

	ch, stop, err := c.registry.Watch(ctx, name)
	if errors.Is(err, watch.ErrRegistryClosed) {
		return nil, nil, ErrClosed
	}
	return ch, stop, err
}

// Refresh drops any retained snapshot and, while subscriptions exist,
// requests an immediate poll cycle.
func (c *Client) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.cache.Invalidate(ctx); err != nil {
		return fmt.Errorf("failed to drop snapshot: %w", err)
	}

	if c.registry.Refresh() {
		c.logger.Debug().Msg("immediate poll requested")
	}
	return nil
}

// Polling reports whether the shared polling timer is running.
func (c *Client) Polling() bool {
	return c.registry.Polling()
}

// Subscriptions lists the live subscriptions.
func (c *Client) Subscriptions() []SubscriptionInfo {
	return c.registry.Subscriptions()
}

// StopAllPolling drops every subscription, stops the polling timer and
// forgets the last poll result. Watch channels are closed. The client stays
// usable.
func (c *Client) StopAllPolling() {
	c.registry.Clear()
	c.logger.Info().Msg("all polling stopped")
}

// Close stops polling, shuts the HTTP servers down and releases resources.
// It must not be called from inside a listener.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if c.started.Load() {
			if c.admin != nil {
				if err := c.admin.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("admin server: %w", err))
				}
			}
			if c.webhook != nil {
				if err := c.webhook.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("webhook server: %w", err))
				}
			}
			c.servers.Wait()
		}

		c.registry.Close()

		if err := c.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}

		c.closeErr = errors.Join(errs...)
	})

	return c.closeErr
}

// Stats returns current activity counters.
func (c *Client) Stats() Stats {
	cs := c.cache.Stats()
	rs := c.registry.Stats()

	stats := Stats{
		Queries: QueryStats{
			Fetches:  cs.Fetches,
			Joined:   cs.Joined,
			Forced:   cs.Forced,
			Failures: cs.Failures,
			Hits:     cs.Hits,
		},
		Polling: PollingStats{
			Active:        rs.Scheduler.Active,
			Activations:   rs.Scheduler.Activations,
			Cycles:        rs.Scheduler.Cycles,
			Failures:      rs.Scheduler.Failures,
			LastCycle:     rs.Scheduler.LastCycle,
			LastError:     rs.Scheduler.LastError,
			Stale:         rs.Stale,
			Notifications: rs.Notifications,
			Dropped:       rs.Dropped,
			Panics:        rs.Panics,
		},
		Subscriptions: rs.Subscriptions,
		WatchedFlags:  c.registry.Names(),
	}

	if c.cache.Config().SnapshotTTL > 0 {
		m := c.cache.StorageMetrics()
		stats.Snapshot = &StorageStats{
			KeysAdded:   m.KeysAdded,
			KeysEvicted: m.KeysEvicted,
			HitRatio:    m.HitRatio,
		}
	}

	if br, ok := c.gateway.(breakerReporter); ok {
		stats.Circuit = br.BreakerState()
	}

	return stats
}
