package cache

import (
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/OrlandoBitencourt/flagwatch/internal/storage"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/rs/zerolog"
)

// Option configures a Cache
type Option func(*Cache)

// WithGateway sets the remote source
func WithGateway(gw gateway.Gateway) Option {
	return func(c *Cache) {
		c.gateway = gw
	}
}

// WithStorage sets the store used for snapshot retention
func WithStorage(s storage.SnapshotStore) Option {
	return func(c *Cache) {
		c.storage = s
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(p telemetry.Provider) Option {
	return func(c *Cache) {
		if p != nil {
			c.telemetry = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithConfig replaces the whole configuration
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.config = cfg
	}
}

// WithFetchTimeout bounds each shared gateway call
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.config.FetchTimeout = d
	}
}

// WithSnapshotTTL retains successful snapshots for d
func WithSnapshotTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.config.SnapshotTTL = d
	}
}
