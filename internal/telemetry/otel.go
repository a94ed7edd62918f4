package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "flagwatch"
	tracerName = "flagwatch"
)

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	fetchCalls    metric.Int64Counter
	fetchJoined   metric.Int64Counter
	fetchFailures metric.Int64Counter
	snapshotHits  metric.Int64Counter
	fetchDuration metric.Float64Histogram
	pollCycles    metric.Int64Counter
	pollFailures  metric.Int64Counter
	pollDuration  metric.Float64Histogram
	notifications metric.Int64Counter
	subscriptions metric.Int64ObservableGauge
	pollActive    metric.Int64ObservableGauge
	circuitState  metric.Int64ObservableGauge

	// Gauge sources
	currentSubscriptions atomic.Int64
	currentPollActive    atomic.Bool
	currentCircuitState  atomic.Value // string
}

// NewOTel creates a provider on the global OpenTelemetry providers
func NewOTel() (*OTelProvider, error) {
	return NewOTelWith(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewOTelWith creates a provider on explicit tracer and meter providers
func NewOTelWith(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelProvider, error) {
	provider := &OTelProvider{
		tracer: tp.Tracer(tracerName),
		meter:  mp.Meter(meterName),
	}
	provider.currentCircuitState.Store("closed")

	if err := provider.initMetrics(); err != nil {
		return nil, err
	}

	return provider, nil
}

// initMetrics initializes all metrics
func (o *OTelProvider) initMetrics() error {
	var err error

	// Pull path
	o.fetchCalls, err = o.meter.Int64Counter(
		"flagwatch.fetch.calls",
		metric.WithDescription("Number of gateway calls started by point queries"),
	)
	if err != nil {
		return err
	}

	o.fetchJoined, err = o.meter.Int64Counter(
		"flagwatch.fetch.joined",
		metric.WithDescription("Number of point queries that joined an in-flight fetch"),
	)
	if err != nil {
		return err
	}

	o.fetchFailures, err = o.meter.Int64Counter(
		"flagwatch.fetch.failures",
		metric.WithDescription("Number of failed point-query fetches"),
	)
	if err != nil {
		return err
	}

	o.snapshotHits, err = o.meter.Int64Counter(
		"flagwatch.fetch.snapshot_hits",
		metric.WithDescription("Number of point queries served from the retained snapshot"),
	)
	if err != nil {
		return err
	}

	o.fetchDuration, err = o.meter.Float64Histogram(
		"flagwatch.fetch.duration",
		metric.WithDescription("Duration of point-query fetches"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	// Push path
	o.pollCycles, err = o.meter.Int64Counter(
		"flagwatch.poll.cycles",
		metric.WithDescription("Number of completed poll cycles"),
	)
	if err != nil {
		return err
	}

	o.pollFailures, err = o.meter.Int64Counter(
		"flagwatch.poll.failures",
		metric.WithDescription("Number of poll cycles whose fetch failed"),
	)
	if err != nil {
		return err
	}

	o.pollDuration, err = o.meter.Float64Histogram(
		"flagwatch.poll.duration",
		metric.WithDescription("Duration of poll cycles"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.notifications, err = o.meter.Int64Counter(
		"flagwatch.notifications",
		metric.WithDescription("Number of change events delivered to subscribers"),
	)
	if err != nil {
		return err
	}

	o.subscriptions, err = o.meter.Int64ObservableGauge(
		"flagwatch.subscriptions",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentSubscriptions.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.pollActive, err = o.meter.Int64ObservableGauge(
		"flagwatch.poll.active",
		metric.WithDescription("Whether the polling timer is running (0=idle, 1=active)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var v int64
			if o.currentPollActive.Load() {
				v = 1
			}
			observer.Observe(v)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"flagwatch.circuit.state",
		metric.WithDescription("Gateway circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.getCircuitStateValue())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	return nil
}

// getCircuitStateValue converts circuit state string to numeric value
func (o *OTelProvider) getCircuitStateValue() int64 {
	state, _ := o.currentCircuitState.Load().(string)
	switch state {
	case "closed":
		return 0
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// StartSpan creates a new trace span
func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	otelAttrs := make([]attribute.KeyValue, len(config.Attributes))
	for i, attr := range config.Attributes {
		otelAttrs[i] = o.convertAttribute(attr)
	}

	ctx, otelSpan := o.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...))

	return ctx, &OTelSpan{span: otelSpan, provider: o}
}

// convertAttribute converts our Attribute to OTel attribute
func (o *OTelProvider) convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

// RecordFetch records one point-query fetch as seen by a single caller
func (o *OTelProvider) RecordFetch(ctx context.Context, forced bool, joined bool, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("forced", forced))

	if joined {
		o.fetchJoined.Add(ctx, 1, attrs)
	} else {
		o.fetchCalls.Add(ctx, 1, attrs)
		o.fetchDuration.Record(ctx, float64(duration.Milliseconds()),
			metric.WithAttributes(attribute.Bool("success", success)))
	}

	if !success {
		o.fetchFailures.Add(ctx, 1, attrs)
	}
}

// RecordSnapshotHit records a point query served without a gateway call
func (o *OTelProvider) RecordSnapshotHit(ctx context.Context) {
	o.snapshotHits.Add(ctx, 1)
}

// RecordPollCycle records one fetch-and-dispatch cycle
func (o *OTelProvider) RecordPollCycle(ctx context.Context, success bool, duration time.Duration, flagCount int) {
	o.pollDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(
			attribute.Bool("success", success),
		))

	if success {
		o.pollCycles.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("flag.count", flagCount),
		))
	} else {
		o.pollFailures.Add(ctx, 1)
	}
}

// RecordNotification records a change event delivered to one subscriber
func (o *OTelProvider) RecordNotification(ctx context.Context, flagName string) {
	o.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.name", flagName),
	))
}

// RecordSubscriptions updates the subscription gauge
func (o *OTelProvider) RecordSubscriptions(ctx context.Context, count int) {
	o.currentSubscriptions.Store(int64(count))
}

// RecordPollActive updates the polling timer gauge
func (o *OTelProvider) RecordPollActive(ctx context.Context, active bool) {
	o.currentPollActive.Store(active)
}

// RecordCircuitState records the gateway circuit breaker state
func (o *OTelProvider) RecordCircuitState(ctx context.Context, state string) {
	o.currentCircuitState.Store(state)
}

// Shutdown shuts down the provider.
// SDK providers are owned and shut down by whoever installed them.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return nil
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span     trace.Span
	provider *OTelProvider
}

// End completes the span
func (s *OTelSpan) End() {
	s.span.End()
}

// SetAttributes sets attributes on the span
func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		otelAttrs[i] = s.provider.convertAttribute(attr)
	}
	s.span.SetAttributes(otelAttrs...)
}

// RecordError records an error on the span and marks it failed
func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to the span
func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		otelAttrs[i] = s.provider.convertAttribute(attr)
	}
	s.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}
