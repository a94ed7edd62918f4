package domain

import (
	"errors"
	"fmt"
)

// -----------------------------
// GatewayError
// -----------------------------

// GatewayError wraps a failure of the remote source while fetching the
// complete flag mapping.
type GatewayError struct {
	Op  string
	Err error
}

func NewGatewayError(op string, err error) *GatewayError {
	return &GatewayError{Op: op, Err: err}
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s failed", e.Op)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func IsGatewayError(err error) bool {
	var target *GatewayError
	return errors.As(err, &target)
}

// -----------------------------
// CircuitOpenError
// -----------------------------

type CircuitOpenError struct {
	Message string
}

func NewCircuitOpenError(message string) *CircuitOpenError {
	return &CircuitOpenError{Message: message}
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s", e.Message)
}

func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// -----------------------------
// ValidationError
// -----------------------------

type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		Message: message,
	}
}

func NewValidationErrorWithCause(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// ErrClosed is returned by operations on a client that has been shut down.
var ErrClosed = errors.New("flagwatch: client closed")
