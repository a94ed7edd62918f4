// Package flagr implements a Gateway backed by a Flagr server. Every flag's
// key maps to its enabled field.
package flagr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Gateway fetches flags from Flagr's REST API
type Gateway struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	config     Config
	breaker    *gobreaker.CircuitBreaker[struct{}]
	filter     *Filter
	telemetry  telemetry.Provider
	logger     zerolog.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(p telemetry.Provider) Option {
	return func(g *Gateway) {
		if p != nil {
			g.telemetry = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// New creates a Flagr gateway
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.NewValidationErrorWithCause("invalid flagr config", err)
	}

	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, domain.NewValidationErrorWithCause("invalid flagr filter", err)
	}

	g := &Gateway{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:    cfg,
		filter:    filter,
		telemetry: telemetry.NewNoOp(),
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if cfg.CircuitBreaker.Enabled {
		g.breaker = newBreaker(cfg.CircuitBreaker, g.onStateChange)
	}

	return g, nil
}

// FetchAll returns the enabled state of every flag that passes the filter
func (g *Gateway) FetchAll(ctx context.Context) (domain.FlagMap, error) {
	flags, err := g.ListFlags(ctx)
	if err != nil {
		return nil, err
	}

	out := make(domain.FlagMap, len(flags))
	for _, flag := range flags {
		ok, err := g.filter.Match(flag)
		if err != nil {
			g.logger.Warn().Err(err).Str("flag", flag.Key).Msg("excluding flag")
			continue
		}
		if ok {
			out[flag.Key] = flag.Enabled
		}
	}

	return out, nil
}

// ListFlags fetches every flag from Flagr, unfiltered
func (g *Gateway) ListFlags(ctx context.Context) ([]FlagrFlag, error) {
	var flags []FlagrFlag
	if err := g.doRequest(ctx, http.MethodGet, "/api/v1/flags", &flags); err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return flags, nil
}

// HealthCheck verifies Flagr is reachable
func (g *Gateway) HealthCheck(ctx context.Context) error {
	var health HealthResponse
	if err := g.doRequest(ctx, http.MethodGet, "/api/v1/health", &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if health.Status != "OK" {
		return fmt.Errorf("unhealthy status: %s", health.Status)
	}

	return nil
}

// BreakerState returns the circuit breaker state, or "disabled"
func (g *Gateway) BreakerState() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

func (g *Gateway) onStateChange(name string, from, to gobreaker.State) {
	g.logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
	g.telemetry.RecordCircuitState(context.Background(), to.String())
}

// doRequest performs an HTTP request with retries and circuit breaking
func (g *Gateway) doRequest(ctx context.Context, method, path string, result interface{}) error {
	ctx, span := g.telemetry.StartSpan(ctx, "flagr.request",
		telemetry.WithAttributes(
			telemetry.String("http.method", method),
			telemetry.String("http.path", path),
			telemetry.Bool("breaker.enabled", g.breaker != nil),
		))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.InitialInterval
	bo.MaxInterval = g.config.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, g.config.MaxRetries), ctx)

	attempts := 0
	operation := func() error {
		attempts++

		err := g.execute(ctx, method, path, result)
		if err == nil {
			return nil
		}
		if isBreakerRejection(err) {
			return backoff.Permanent(domain.NewCircuitOpenError(fmt.Sprintf("flagr %s", g.BreakerState())))
		}
		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Debug().Err(err).Str("path", path).Dur("backoff", wait).Msg("retrying flagr request")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	span.SetAttributes(telemetry.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (g *Gateway) execute(ctx context.Context, method, path string, result interface{}) error {
	if g.breaker == nil {
		return g.doSingleRequest(ctx, method, path, result)
	}

	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.doSingleRequest(ctx, method, path, result)
	})
	return err
}

// doSingleRequest performs a single HTTP request
func (g *Gateway) doSingleRequest(ctx context.Context, method, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.apiKey))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &DecodeError{Err: err, Body: string(respBody)}
		}
	}

	return nil
}

// shouldRetry determines if a request should be retried
func shouldRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors
	return true
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// DecodeError is returned when a response body is not the expected JSON
type DecodeError struct {
	Err  error
	Body string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to unmarshal response: %v (body: %s)", e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
