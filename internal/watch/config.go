package watch

import (
	"fmt"
	"time"
)

// Config holds polling and subscription configuration
type Config struct {
	// Interval between poll cycles while at least one subscription exists
	Interval time.Duration

	// CycleTimeout bounds the gateway call of one poll cycle; zero means none
	CycleTimeout time.Duration

	// WatchBuffer is the channel capacity used by Watch. Sends never block,
	// so it must hold at least one event.
	WatchBuffer int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		CycleTimeout: 0,
		WatchBuffer:  16,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.CycleTimeout < 0 {
		return fmt.Errorf("cycle timeout cannot be negative")
	}

	if c.WatchBuffer < 1 {
		return fmt.Errorf("watch buffer must be at least 1")
	}

	return nil
}
