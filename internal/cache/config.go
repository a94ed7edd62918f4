package cache

import (
	"fmt"
	"time"
)

// Config holds fetch cache configuration
type Config struct {
	// FetchTimeout bounds one shared gateway call. Zero means no bound;
	// callers can still stop waiting through their own context.
	FetchTimeout time.Duration

	// SnapshotTTL keeps the last successful snapshot for non-forced
	// queries. Zero keeps nothing: every query after a completed fetch
	// starts a new one.
	SnapshotTTL time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 0,
		SnapshotTTL:  0,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout cannot be negative")
	}

	if c.SnapshotTTL < 0 {
		return fmt.Errorf("snapshot ttl cannot be negative")
	}

	return nil
}

// String returns a human-readable description of the retention policy
func (c Config) String() string {
	if c.SnapshotTTL == 0 {
		return "single-flight only (no retention)"
	}
	return fmt.Sprintf("single-flight with %s retention", c.SnapshotTTL)
}
