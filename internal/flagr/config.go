package flagr

import (
	"fmt"
	"time"
)

// Config configures the Flagr gateway
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`

	// Retry policy for transient failures (5xx, 429, network)
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
	Filter         FilterConfig  `yaml:"filter"`
}

// BreakerConfig configures the circuit breaker guarding Flagr requests
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Consecutive failures before the breaker opens
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Time spent open before probing again
	Timeout time.Duration `yaml:"timeout"`

	// Requests allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:        "http://localhost:18000",
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CircuitBreaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
		},
		Filter: FilterConfig{
			TagMatchMode: "any",
		},
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.InitialInterval < 0 || c.MaxInterval < 0 {
		return fmt.Errorf("retry intervals cannot be negative")
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold == 0 {
			return fmt.Errorf("circuit breaker failure threshold must be positive")
		}
		if c.CircuitBreaker.Timeout <= 0 {
			return fmt.Errorf("circuit breaker timeout must be positive")
		}
	}

	return c.Filter.Validate()
}
