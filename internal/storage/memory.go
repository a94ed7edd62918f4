package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/dgraph-io/ristretto"
)

const snapshotKey = "flagwatch/snapshot"

// MemoryStorage keeps the latest snapshot in a Ristretto cache so that
// expiry is handled by the cache itself.
type MemoryStorage struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration
}

// NewMemoryStorage creates a Ristretto-backed snapshot store
func NewMemoryStorage(cfg Config) (*MemoryStorage, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &MemoryStorage{
		cache:      cache,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

// Load returns the retained snapshot
func (m *MemoryStorage) Load(ctx context.Context) (domain.FlagMap, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	value, found := m.cache.Get(snapshotKey)
	if !found {
		return nil, ErrNotFound
	}

	flags, ok := value.(domain.FlagMap)
	if !ok {
		return nil, ErrNotFound
	}
	return flags, nil
}

// Save retains a snapshot until ttl elapses
func (m *MemoryStorage) Save(ctx context.Context, flags domain.FlagMap, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	if !m.cache.SetWithTTL(snapshotKey, flags.Clone(), 1, ttl) {
		return fmt.Errorf("snapshot rejected by cache")
	}

	// Ristretto applies writes asynchronously
	m.cache.Wait()
	return nil
}

// Clear drops the retained snapshot
func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.cache.Del(snapshotKey)
	m.cache.Wait()
	return nil
}

// Metrics returns Ristretto's counters
func (m *MemoryStorage) Metrics() Metrics {
	rm := m.cache.Metrics
	return Metrics{
		KeysAdded:    rm.KeysAdded(),
		KeysUpdated:  rm.KeysUpdated(),
		KeysEvicted:  rm.KeysEvicted(),
		SetsDropped:  rm.SetsDropped(),
		SetsRejected: rm.SetsRejected(),
		GetsKept:     rm.GetsKept(),
		GetsDropped:  rm.GetsDropped(),
		HitRatio:     rm.Ratio(),
	}
}

// Close closes the cache
func (m *MemoryStorage) Close() error {
	m.cache.Close()
	return nil
}
