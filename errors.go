package flagwatch

import (
	"errors"
	"fmt"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
)

// Error types that may be returned by flagwatch operations.

// GatewayError wraps a failure of the remote source. Every caller that
// shared the failed fetch receives the same error.
type GatewayError = domain.GatewayError

// CircuitOpenError indicates the Flagr circuit breaker rejected the request.
type CircuitOpenError = domain.CircuitOpenError

// ErrClosed is returned by operations on a closed client.
var ErrClosed = domain.ErrClosed

// ConfigError indicates invalid configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

// IsGatewayFailure reports whether err came from the remote source.
func IsGatewayFailure(err error) bool {
	return domain.IsGatewayError(err)
}

// IsCircuitOpen reports whether err was caused by an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return domain.IsCircuitOpen(err)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target) || domain.IsValidationError(err)
}
