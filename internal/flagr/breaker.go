package flagr

import (
	"errors"

	"github.com/sony/gobreaker/v2"
)

func newBreaker(cfg BreakerConfig, onChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker[struct{}] {
	threshold := cfg.FailureThreshold

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "flagr",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors say nothing about Flagr's health
		IsSuccessful: func(err error) bool {
			return err == nil || !shouldRetry(err)
		},
		OnStateChange: onChange,
	})
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
