package flagwatch

import (
	"fmt"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/cache"
	"github.com/OrlandoBitencourt/flagwatch/internal/flagr"
	"github.com/OrlandoBitencourt/flagwatch/internal/server"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/OrlandoBitencourt/flagwatch/internal/watch"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a flagwatch client.
type Option func(*clientConfig) error

// clientConfig holds internal configuration.
type clientConfig struct {
	gateway Gateway
	flagr   flagr.Config

	poll  watch.Config
	cache cache.Config

	logger    zerolog.Logger
	telemetry telemetry.Provider
	ticker    watch.TickerFunc

	// Server options
	admin   AdminConfig
	webhook WebhookConfig
}

func defaultClientConfig() *clientConfig {
	defaults := DefaultConfig()

	cfg := &clientConfig{
		flagr:     flagr.DefaultConfig(),
		poll:      watch.DefaultConfig(),
		cache:     cache.DefaultConfig(),
		logger:    zerolog.Nop(),
		telemetry: telemetry.NewNoOp(),
		admin:     defaults.Admin,
		webhook:   defaults.Webhook,
	}
	cfg.flagr.Endpoint = ""

	return cfg
}

// WithGateway sets the remote source directly. It takes precedence over
// any Flagr settings.
func WithGateway(gw Gateway) Option {
	return func(c *clientConfig) error {
		if gw == nil {
			return &ConfigError{Field: "gateway", Message: "cannot be nil"}
		}
		c.gateway = gw
		return nil
	}
}

// WithFlagrEndpoint sets the Flagr server endpoint.
//
// Example: flagwatch.WithFlagrEndpoint("http://localhost:18000")
func WithFlagrEndpoint(endpoint string) Option {
	return func(c *clientConfig) error {
		if endpoint == "" {
			return &ConfigError{Field: "flagr.endpoint", Message: "cannot be empty"}
		}
		c.flagr.Endpoint = endpoint
		return nil
	}
}

// WithFlagrAPIKey sets the Flagr API key for authentication.
func WithFlagrAPIKey(apiKey string) Option {
	return func(c *clientConfig) error {
		c.flagr.APIKey = apiKey
		return nil
	}
}

// WithFlagrTimeout sets the HTTP timeout for Flagr requests.
func WithFlagrTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) error {
		if timeout <= 0 {
			return &ConfigError{Field: "flagr.timeout", Message: "must be positive"}
		}
		c.flagr.Timeout = timeout
		return nil
	}
}

// WithFlagrMaxRetries sets the maximum number of retries for failed Flagr requests.
func WithFlagrMaxRetries(maxRetries int) Option {
	return func(c *clientConfig) error {
		if maxRetries < 0 {
			return &ConfigError{Field: "flagr.max_retries", Message: "cannot be negative"}
		}
		c.flagr.MaxRetries = uint64(maxRetries)
		return nil
	}
}

// WithCircuitBreaker configures the circuit breaker around Flagr requests.
// A threshold of zero disables it.
//
// Example: flagwatch.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *clientConfig) error {
		if threshold < 0 {
			return &ConfigError{Field: "circuit_breaker.threshold", Message: "cannot be negative"}
		}
		if threshold == 0 {
			c.flagr.CircuitBreaker.Enabled = false
			return nil
		}
		c.flagr.CircuitBreaker.Enabled = true
		c.flagr.CircuitBreaker.FailureThreshold = uint32(threshold)
		c.flagr.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithServiceTag keeps only Flagr flags tagged with the service name.
//
// Example: flagwatch.WithServiceTag("user-service")
func WithServiceTag(serviceName string) Option {
	return func(c *clientConfig) error {
		if serviceName == "" {
			return &ConfigError{Field: "filter.service_name", Message: "cannot be empty"}
		}
		c.flagr.Filter.ServiceName = serviceName
		c.flagr.Filter.RequireServiceTag = true
		return nil
	}
}

// WithAdditionalTags filters Flagr flags by additional tags.
//
// matchMode can be "any" or "all":
//   - "any": flag must have ANY of the tags
//   - "all": flag must have ALL of the tags
//
// Example: flagwatch.WithAdditionalTags([]string{"production"}, "any")
func WithAdditionalTags(tags []string, matchMode string) Option {
	return func(c *clientConfig) error {
		if matchMode != "any" && matchMode != "all" {
			return &ConfigError{Field: "filter.tag_match_mode", Message: "must be 'any' or 'all'"}
		}
		c.flagr.Filter.AdditionalTags = tags
		c.flagr.Filter.TagMatchMode = matchMode
		return nil
	}
}

// WithFilterExpression keeps only Flagr flags for which the expr-lang
// expression is true. The expression sees key, enabled, tags and description.
//
// Example: flagwatch.WithFilterExpression(`key startsWith "checkout."`)
func WithFilterExpression(expression string) Option {
	return func(c *clientConfig) error {
		c.flagr.Filter.Expression = expression
		return nil
	}
}

// WithPollInterval sets the interval of the shared polling timer.
// Default: 2 seconds
func WithPollInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		if interval <= 0 {
			return &ConfigError{Field: "poll.interval", Message: "must be positive"}
		}
		c.poll.Interval = interval
		return nil
	}
}

// WithCycleTimeout bounds each poll cycle's fetch. Default: 0 (no bound)
func WithCycleTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) error {
		if timeout < 0 {
			return &ConfigError{Field: "poll.cycle_timeout", Message: "cannot be negative"}
		}
		c.poll.CycleTimeout = timeout
		return nil
	}
}

// WithWatchBuffer sets the channel capacity used by Watch. Events that do
// not fit are dropped, so the capacity must be at least 1. Default: 16
func WithWatchBuffer(size int) Option {
	return func(c *clientConfig) error {
		if size < 1 {
			return &ConfigError{Field: "poll.watch_buffer", Message: "must be at least 1"}
		}
		c.poll.WatchBuffer = size
		return nil
	}
}

// WithFetchTimeout bounds the fetch shared by concurrent point queries.
// Default: 0 (a fetch may take as long as the gateway needs)
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) error {
		if timeout < 0 {
			return &ConfigError{Field: "cache.fetch_timeout", Message: "cannot be negative"}
		}
		c.cache.FetchTimeout = timeout
		return nil
	}
}

// WithSnapshotTTL keeps the last fetched mapping for ttl so that point
// queries within that window skip the gateway. Forced queries always
// refetch. Default: 0 (no retention)
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(c *clientConfig) error {
		if ttl < 0 {
			return &ConfigError{Field: "cache.snapshot_ttl", Message: "cannot be negative"}
		}
		c.cache.SnapshotTTL = ttl
		return nil
	}
}

// WithLogger sets the structured logger. Default: disabled
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}

// WithOpenTelemetry records traces and metrics with the given providers.
func WithOpenTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(c *clientConfig) error {
		provider, err := telemetry.NewOTelWith(tp, mp)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.telemetry = provider
		return nil
	}
}

// WithGlobalOpenTelemetry records traces and metrics with the global
// OpenTelemetry providers.
func WithGlobalOpenTelemetry() Option {
	return func(c *clientConfig) error {
		provider, err := telemetry.NewOTel()
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.telemetry = provider
		return nil
	}
}

// WithAdminServer enables the admin HTTP server.
//
// Available endpoints:
//   - GET /health - Health check
//   - GET /admin/stats - Client statistics
//   - GET /admin/flags?force= - Current flag mapping
//   - GET /admin/flags/{name}?force= - Single flag
//   - GET /admin/subscriptions - Live subscriptions
//   - POST /admin/refresh - Drops the snapshot and polls immediately
func WithAdminServer(config AdminConfig) Option {
	return func(c *clientConfig) error {
		if err := validatePort("admin.port", config.Port); err != nil {
			return err
		}

		config.Enabled = true
		if config.RateLimit == (server.RateLimitConfig{}) {
			config.RateLimit = server.DefaultRateLimit
		}
		c.admin = config
		return nil
	}
}

// WithWebhook enables the webhook server. Flagr can POST to /webhook with
// payload
//
//	{
//	  "event": "flag.updated",
//	  "flag_keys": ["flag1", "flag2"],
//	  "timestamp": "2025-01-15T10:30:00Z"
//	}
//
// to request an immediate poll cycle.
func WithWebhook(config WebhookConfig) Option {
	return func(c *clientConfig) error {
		if err := validatePort("webhook.port", config.Port); err != nil {
			return err
		}

		config.Enabled = true
		if config.RateLimit == (server.RateLimitConfig{}) {
			config.RateLimit = server.DefaultRateLimit
		}
		c.webhook = config
		return nil
	}
}

// WithConfig applies a full Config struct.
// This is an alternative to using individual options.
func WithConfig(cfg Config) Option {
	return func(c *clientConfig) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		c.flagr.Endpoint = cfg.Flagr.Endpoint
		c.flagr.APIKey = cfg.Flagr.APIKey
		if cfg.Flagr.Timeout > 0 {
			c.flagr.Timeout = cfg.Flagr.Timeout
		}
		c.flagr.MaxRetries = uint64(cfg.Flagr.MaxRetries)

		c.flagr.CircuitBreaker.Enabled = cfg.CircuitBreaker.Threshold > 0
		c.flagr.CircuitBreaker.FailureThreshold = uint32(cfg.CircuitBreaker.Threshold)
		if cfg.CircuitBreaker.Timeout > 0 {
			c.flagr.CircuitBreaker.Timeout = cfg.CircuitBreaker.Timeout
		}

		c.flagr.Filter = flagr.FilterConfig{
			ServiceName:       cfg.Filter.ServiceName,
			RequireServiceTag: cfg.Filter.RequireServiceTag,
			AdditionalTags:    cfg.Filter.AdditionalTags,
			TagMatchMode:      cfg.Filter.TagMatchMode,
			Expression:        cfg.Filter.Expression,
		}

		c.poll = watch.Config{
			Interval:     cfg.Poll.Interval,
			CycleTimeout: cfg.Poll.CycleTimeout,
			WatchBuffer:  cfg.Poll.WatchBuffer,
		}

		c.cache = cache.Config{
			FetchTimeout: cfg.Cache.FetchTimeout,
			SnapshotTTL:  cfg.Cache.SnapshotTTL,
		}

		c.admin = cfg.Admin
		c.webhook = cfg.Webhook

		return nil
	}
}

// withTicker replaces the polling timer; tests drive cycles by hand
func withTicker(fn watch.TickerFunc) Option {
	return func(c *clientConfig) error {
		c.ticker = fn
		return nil
	}
}
