package flagwatch

import (
	"fmt"
	"os"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/server"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a flagwatch client. It can be built in
// code, starting from DefaultConfig, or loaded from YAML with LoadConfig.
type Config struct {
	// Flagr configuration
	Flagr FlagrConfig `yaml:"flagr"`

	// Polling configuration for subscriptions
	Poll PollConfig `yaml:"poll"`

	// Point query configuration
	Cache CacheConfig `yaml:"cache"`

	// Circuit breaker guarding Flagr requests
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Filter configures which Flagr flags are exposed
	Filter FilterConfig `yaml:"filter"`

	// Optional HTTP servers
	Admin   AdminConfig   `yaml:"admin"`
	Webhook WebhookConfig `yaml:"webhook"`

	// Telemetry export, used by the flagwatch command
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Logging, used by the flagwatch command
	Log LogConfig `yaml:"log"`

	// Watch lists the flags the flagwatch command subscribes to
	Watch WatchConfig `yaml:"watch"`
}

// FlagrConfig configures the connection to Flagr.
type FlagrConfig struct {
	// Endpoint is the base URL of the Flagr server
	// Example: "http://localhost:18000"
	Endpoint string `yaml:"endpoint"`

	// APIKey is an optional authentication token
	APIKey string `yaml:"api_key"`

	// Timeout for HTTP requests to Flagr
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries for failed requests
	MaxRetries int `yaml:"max_retries"`
}

// PollConfig configures the shared polling timer.
type PollConfig struct {
	// Interval between poll cycles while any subscription exists
	Interval time.Duration `yaml:"interval"`

	// CycleTimeout bounds each poll cycle's fetch; zero means none
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	// WatchBuffer is the channel capacity used by Watch, at least 1
	WatchBuffer int `yaml:"watch_buffer"`
}

// CacheConfig configures point queries.
type CacheConfig struct {
	// FetchTimeout bounds a shared fetch; zero means none
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// SnapshotTTL keeps the last fetched mapping for this long.
	// Zero disables retention: every query after a completed fetch refetches.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening.
	// Zero disables the breaker.
	Threshold int `yaml:"threshold"`

	// Timeout is how long to wait before attempting recovery
	Timeout time.Duration `yaml:"timeout"`
}

// FilterConfig configures flag filtering. Filtered flags read as false.
type FilterConfig struct {
	// ServiceName is the current service identifier
	ServiceName string `yaml:"service_name"`

	// RequireServiceTag keeps only flags tagged with ServiceName
	RequireServiceTag bool `yaml:"require_service_tag"`

	// AdditionalTags allows filtering by additional tag values
	AdditionalTags []string `yaml:"additional_tags"`

	// TagMatchMode determines how tags are matched
	// "any": flag must have ANY of the tags
	// "all": flag must have ALL of the tags
	TagMatchMode string `yaml:"tag_match_mode"`

	// Expression is an optional boolean expr-lang expression with key,
	// enabled, tags and description in scope
	Expression string `yaml:"expression"`
}

// AdminConfig configures the admin server
type AdminConfig struct {
	Enabled   bool                   `yaml:"enabled"`
	Port      int                    `yaml:"port"`
	RateLimit server.RateLimitConfig `yaml:"rate_limit"`
}

// WebhookConfig configures the webhook server that lets Flagr request an
// immediate poll.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`

	// Secret for HMAC-SHA256 signature validation.
	// If empty, signature validation is disabled.
	Secret string `yaml:"secret"`

	RateLimit server.RateLimitConfig `yaml:"rate_limit"`
}

// LogConfig configures the command's logger
type LogConfig struct {
	// Level is a zerolog level name such as "debug" or "info"
	Level string `yaml:"level"`

	// Format is "console" or "json"
	Format string `yaml:"format"`
}

// WatchConfig lists flags to follow
type WatchConfig struct {
	Flags []string `yaml:"flags"`
}

// DefaultConfig returns recommended default configuration.
func DefaultConfig() Config {
	return Config{
		Flagr: FlagrConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 3,
		},
		Poll: PollConfig{
			Interval:     2 * time.Second,
			CycleTimeout: 0,
			WatchBuffer:  16,
		},
		Cache: CacheConfig{
			FetchTimeout: 0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 3,
			Timeout:   30 * time.Second,
		},
		Filter: FilterConfig{
			TagMatchMode: "any",
		},
		Admin: AdminConfig{
			Port:      19000,
			RateLimit: server.DefaultRateLimit,
		},
		Webhook: WebhookConfig{
			Port:      18001,
			RateLimit: server.DefaultRateLimit,
		},
		Telemetry: telemetry.Config{
			ServiceName:    "flagwatch",
			ExportInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for obvious mistakes
func (c Config) Validate() error {
	if c.Flagr.Timeout < 0 {
		return &ConfigError{Field: "flagr.timeout", Message: "cannot be negative"}
	}
	if c.Flagr.MaxRetries < 0 {
		return &ConfigError{Field: "flagr.max_retries", Message: "cannot be negative"}
	}
	if c.Poll.Interval <= 0 {
		return &ConfigError{Field: "poll.interval", Message: "must be positive"}
	}
	if c.Poll.CycleTimeout < 0 {
		return &ConfigError{Field: "poll.cycle_timeout", Message: "cannot be negative"}
	}
	if c.Poll.WatchBuffer < 1 {
		return &ConfigError{Field: "poll.watch_buffer", Message: "must be at least 1"}
	}
	if c.Cache.FetchTimeout < 0 {
		return &ConfigError{Field: "cache.fetch_timeout", Message: "cannot be negative"}
	}
	if c.Cache.SnapshotTTL < 0 {
		return &ConfigError{Field: "cache.snapshot_ttl", Message: "cannot be negative"}
	}
	if c.CircuitBreaker.Threshold < 0 {
		return &ConfigError{Field: "circuit_breaker.threshold", Message: "cannot be negative"}
	}
	if c.Filter.RequireServiceTag && c.Filter.ServiceName == "" {
		return &ConfigError{Field: "filter.service_name", Message: "must be set when require_service_tag is true"}
	}
	if m := c.Filter.TagMatchMode; m != "" && m != "any" && m != "all" {
		return &ConfigError{Field: "filter.tag_match_mode", Message: "must be 'any' or 'all'"}
	}
	if c.Admin.Enabled {
		if err := validatePort("admin.port", c.Admin.Port); err != nil {
			return err
		}
	}
	if c.Webhook.Enabled {
		if err := validatePort("webhook.port", c.Webhook.Port); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port <= 0 {
		return &ConfigError{Field: field, Message: "must be positive"}
	}
	if port > 65535 {
		return &ConfigError{Field: field, Message: "must be <= 65535"}
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
