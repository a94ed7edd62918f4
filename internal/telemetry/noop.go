package telemetry

import (
	"context"
	"time"
)

// NoOpProvider is a telemetry provider that does nothing.
// It is the default when telemetry is not configured.
type NoOpProvider struct{}

// NewNoOp creates a new no-op telemetry provider
func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpProvider) RecordFetch(ctx context.Context, forced bool, joined bool, success bool, duration time.Duration) {
}

func (n *NoOpProvider) RecordSnapshotHit(ctx context.Context) {}

func (n *NoOpProvider) RecordPollCycle(ctx context.Context, success bool, duration time.Duration, flagCount int) {
}

func (n *NoOpProvider) RecordNotification(ctx context.Context, flagName string) {}

func (n *NoOpProvider) RecordSubscriptions(ctx context.Context, count int) {}

func (n *NoOpProvider) RecordPollActive(ctx context.Context, active bool) {}

func (n *NoOpProvider) RecordCircuitState(ctx context.Context, state string) {}

func (n *NoOpProvider) Shutdown(ctx context.Context) error {
	return nil
}

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

func (n *NoOpSpan) End() {}

func (n *NoOpSpan) SetAttributes(attrs ...Attribute) {}

func (n *NoOpSpan) RecordError(err error) {}

func (n *NoOpSpan) AddEvent(name string, attrs ...Attribute) {}
