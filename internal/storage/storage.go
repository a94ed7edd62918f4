// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
)

// ErrNotFound is returned when no unexpired snapshot is stored.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore retains the most recent flag snapshot for a bounded time
type SnapshotStore interface {
	// Load returns the retained snapshot or ErrNotFound
	Load(ctx context.Context) (domain.FlagMap, error)

	// Save retains a snapshot; ttl <= 0 falls back to the configured default
	Save(ctx context.Context, flags domain.FlagMap, ttl time.Duration) error

	// Clear drops the retained snapshot
	Clear(ctx context.Context) error

	// Metrics returns storage metrics
	Metrics() Metrics

	// Close releases resources
	Close() error
}

// Metrics represents storage metrics
type Metrics struct {
	KeysAdded   uint64
	KeysUpdated uint64
	KeysEvicted uint64

	SetsDropped  uint64
	SetsRejected uint64
	GetsKept     uint64
	GetsDropped  uint64

	HitRatio float64
}

// Config holds storage configuration
type Config struct {
	// Ristretto sizing
	MaxCost     int64
	NumCounters int64
	BufferItems int64

	// TTL used when Save is called without one
	DefaultTTL time.Duration

	MetricsEnabled bool
}

// DefaultConfig returns default storage configuration.
// A store only ever holds one snapshot, so it is sized small.
func DefaultConfig() Config {
	return Config{
		MaxCost:        1 << 20,
		NumCounters:    1_000,
		BufferItems:    64,
		DefaultTTL:     time.Second,
		MetricsEnabled: true,
	}
}
