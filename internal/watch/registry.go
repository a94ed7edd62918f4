package watch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRegistryClosed is returned by Subscribe and Watch after Close
var ErrRegistryClosed = errors.New("registry closed")

// Listener receives change events for the flag it was registered on
type Listener interface {
	OnFlagChange(ev domain.ChangeEvent)
}

// ListenerFunc adapts a function to Listener. Every subscription of a
// ListenerFunc is a distinct registration.
type ListenerFunc func(ev domain.ChangeEvent)

// OnFlagChange calls f(ev)
func (f ListenerFunc) OnFlagChange(ev domain.ChangeEvent) {
	f(ev)
}

// Subscription is the handle of one registration
type Subscription struct {
	id        uuid.UUID
	flag      string
	listener  Listener
	registry  *Registry
	createdAt time.Time
	onCancel  func()
	once      sync.Once
}

// ID returns the unique identifier of the registration
func (s *Subscription) ID() string { return s.id.String() }

// Flag returns the flag name the registration listens on
func (s *Subscription) Flag() string { return s.flag }

// Cancel removes exactly this registration. Repeated calls are no-ops and
// it is safe to call from inside a listener.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.registry.remove(s)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

// SubscriptionInfo describes a registration for the admin surface
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Flag      string    `json:"flag"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryStats describes the registry's activity
type RegistryStats struct {
	Subscriptions int
	Flags         int
	Dispatches    uint64
	Stale         uint64
	Notifications uint64
	Dropped       uint64
	Panics        uint64
	Scheduler     SchedulerStats
}

type registrationKey struct {
	flag     string
	listener Listener
}

// Registry maps flag names to listeners and owns the scheduler. The
// scheduler is Active iff at least one registration exists.
type Registry struct {
	config    Config
	scheduler *Scheduler
	telemetry telemetry.Provider
	logger    zerolog.Logger

	mu      sync.Mutex
	order   []*Subscription
	byKey   map[registrationKey]*Subscription
	prev    domain.FlagMap
	lastSeq uint64
	clears  uint64
	closed  bool
	stats   RegistryStats

	// Serializes dispatch passes
	dispatchMu sync.Mutex
}

// Option configures a Registry
type Option func(*registryOptions)

type registryOptions struct {
	config    Config
	ticker    TickerFunc
	telemetry telemetry.Provider
	logger    zerolog.Logger
}

// WithConfig replaces the whole configuration
func WithConfig(cfg Config) Option {
	return func(o *registryOptions) { o.config = cfg }
}

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(o *registryOptions) { o.config.Interval = d }
}

// WithCycleTimeout bounds each poll cycle's fetch
func WithCycleTimeout(d time.Duration) Option {
	return func(o *registryOptions) { o.config.CycleTimeout = d }
}

// WithWatchBuffer sets the channel capacity used by Watch
func WithWatchBuffer(n int) Option {
	return func(o *registryOptions) { o.config.WatchBuffer = n }
}

// WithTicker replaces the scheduler's timer implementation
func WithTicker(fn TickerFunc) Option {
	return func(o *registryOptions) { o.ticker = fn }
}

// WithTelemetry sets the telemetry provider
func WithTelemetry(p telemetry.Provider) Option {
	return func(o *registryOptions) {
		if p != nil {
			o.telemetry = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *registryOptions) { o.logger = l }
}

// NewRegistry creates an empty registry whose scheduler polls gw
func NewRegistry(gw gateway.Gateway, opts ...Option) (*Registry, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	o := registryOptions{
		config:    DefaultConfig(),
		telemetry: telemetry.NewNoOp(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Registry{
		config:    o.config,
		telemetry: o.telemetry,
		logger:    o.logger,
		byKey:     make(map[registrationKey]*Subscription),
		prev:      domain.FlagMap{},
	}

	r.scheduler = NewScheduler(gw, r.dispatch, o.config,
		WithSchedulerTicker(o.ticker),
		WithSchedulerTelemetry(o.telemetry),
		WithSchedulerLogger(o.logger),
	)

	return r, nil
}

// Subscribe registers l for changes of the named flag. Subscribing the same
// pointer listener to the same flag again returns the existing handle.
func (r *Registry) Subscribe(name string, l Listener) (*Subscription, error) {
	return r.subscribe(name, l, nil)
}

func (r *Registry) subscribe(name string, l Listener, onCancel func()) (*Subscription, error) {
	if err := domain.ValidateFlagName(name); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, domain.NewValidationError("listener cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	identity := isIdentityComparable(l)
	key := registrationKey{flag: name, listener: l}
	if identity {
		if sub, ok := r.byKey[key]; ok {
			return sub, nil
		}
	}

	sub := &Subscription{
		id:        uuid.New(),
		flag:      name,
		listener:  l,
		registry:  r,
		createdAt: time.Now(),
		onCancel:  onCancel,
	}

	r.order = append(r.order, sub)
	if identity {
		r.byKey[key] = sub
	}

	r.logger.Debug().Str("flag", name).Str("subscription", sub.ID()).Msg("subscribed")
	r.telemetry.RecordSubscriptions(context.Background(), len(r.order))

	if len(r.order) == 1 {
		r.scheduler.Start()
	}

	return sub, nil
}

// isIdentityComparable reports whether l can be keyed by reference
// identity. Only pointer listeners qualify.
func isIdentityComparable(l Listener) bool {
	return reflect.TypeOf(l).Kind() == reflect.Pointer
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, s := range r.order {
		if s == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	r.order = append(r.order[:idx], r.order[idx+1:]...)
	key := registrationKey{flag: sub.flag, listener: sub.listener}
	if isIdentityComparable(sub.listener) && r.byKey[key] == sub {
		delete(r.byKey, key)
	}

	r.logger.Debug().Str("flag", sub.flag).Str("subscription", sub.ID()).Msg("unsubscribed")
	r.telemetry.RecordSubscriptions(context.Background(), len(r.order))

	if len(r.order) == 0 {
		r.scheduler.Stop()
	}
}

// Watch subscribes a buffered channel to the named flag. The returned
// function, or cancellation of ctx, unsubscribes and closes the channel.
// Events that do not fit the buffer are dropped.
func (r *Registry) Watch(ctx context.Context, name string) (<-chan domain.ChangeEvent, func(), error) {
	cl := &chanListener{
		ch:       make(chan domain.ChangeEvent, r.config.WatchBuffer),
		done:     make(chan struct{}),
		registry: r,
	}

	sub, err := r.subscribe(name, cl, cl.close)
	if err != nil {
		return nil, nil, err
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-cl.done:
			}
		}()
	}

	return cl.ch, sub.Cancel, nil
}

type chanListener struct {
	mu       sync.Mutex
	ch       chan domain.ChangeEvent
	done     chan struct{}
	closed   bool
	registry *Registry
}

func (c *chanListener) OnFlagChange(ev domain.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.ch <- ev:
	default:
		c.registry.recordDrop(ev)
	}
}

func (c *chanListener) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	close(c.done)
}

func (r *Registry) recordDrop(ev domain.ChangeEvent) {
	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()

	r.logger.Warn().Str("flag", ev.Flag).Uint64("cycle", ev.Cycle).Msg("watch buffer full, dropping event")
}

// dispatch compares flags against the previous poll result and notifies
// every registration whose flag changed. Results older than the last
// applied one are discarded.
func (r *Registry) dispatch(ctx context.Context, seq uint64, flags domain.FlagMap) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	if seq <= r.lastSeq {
		applied := r.lastSeq
		r.stats.Stale++
		r.mu.Unlock()
		r.logger.Debug().Uint64("cycle", seq).Uint64("applied", applied).Msg("discarding stale poll result")
		return
	}
	r.lastSeq = seq
	generation := r.clears
	prev := r.prev
	subs := make([]*Subscription, len(r.order))
	copy(subs, r.order)
	r.stats.Dispatches++
	r.mu.Unlock()

	if changed := flags.Diff(prev); len(changed) > 0 {
		r.logger.Debug().Uint64("cycle", seq).Strs("changed", changed).Msg("flags changed")
	}

	now := time.Now()
	for _, sub := range subs {
		if !flags.Changed(prev, sub.flag) {
			continue
		}

		ev := domain.ChangeEvent{
			Flag:     sub.flag,
			Value:    flags.Get(sub.flag),
			Previous: prev.Get(sub.flag),
			Cycle:    seq,
			At:       now,
		}
		r.deliver(ctx, sub, ev)
	}

	r.mu.Lock()
	if r.clears == generation {
		r.prev = flags.Clone()
	}
	r.mu.Unlock()
}

func (r *Registry) deliver(ctx context.Context, sub *Subscription, ev domain.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.stats.Panics++
			r.mu.Unlock()

			r.logger.Error().
				Str("flag", ev.Flag).
				Str("subscription", sub.ID()).
				Interface("panic", rec).
				Msg("listener panicked")
		}
	}()

	r.mu.Lock()
	r.stats.Notifications++
	r.mu.Unlock()

	r.telemetry.RecordNotification(ctx, ev.Flag)
	sub.listener.OnFlagChange(ev)
}

// Refresh requests an immediate poll cycle. It reports false when no
// subscription exists.
func (r *Registry) Refresh() bool {
	return r.scheduler.Trigger()
}

// Polling reports whether the scheduler is Active
func (r *Registry) Polling() bool {
	return r.scheduler.Active()
}

// Len returns the number of registrations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Names returns the distinct flag names with at least one registration
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.order))
	names := make([]string, 0, len(r.order))
	for _, sub := range r.order {
		if _, ok := seen[sub.flag]; ok {
			continue
		}
		seen[sub.flag] = struct{}{}
		names = append(names, sub.flag)
	}

	sort.Strings(names)
	return names
}

// Subscriptions lists the current registrations in subscription order
func (r *Registry) Subscriptions() []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(r.order))
	for _, sub := range r.order {
		out = append(out, SubscriptionInfo{ID: sub.ID(), Flag: sub.flag, CreatedAt: sub.createdAt})
	}
	return out
}

// Previous returns a copy of the last applied poll result
func (r *Registry) Previous() domain.FlagMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prev.Clone()
}

// Stats returns a snapshot of the registry's counters
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	stats := r.stats
	stats.Subscriptions = len(r.order)
	stats.Flags = len(r.byFlagLocked())
	r.mu.Unlock()

	stats.Scheduler = r.scheduler.Stats()
	return stats
}

func (r *Registry) byFlagLocked() map[string]int {
	counts := make(map[string]int, len(r.order))
	for _, sub := range r.order {
		counts[sub.flag]++
	}
	return counts
}

// Clear drops every registration, stops polling and forgets the previous
// poll result. Watch channels are closed. The registry stays usable; the
// next subscription starts from an all-false previous map.
func (r *Registry) Clear() {
	r.mu.Lock()
	subs := r.order
	r.order = nil
	r.byKey = make(map[registrationKey]*Subscription)
	r.scheduler.Stop()

	// Start over from an empty previous map. Cycles that started before
	// this point are treated as stale.
	r.prev = domain.FlagMap{}
	r.clears++
	if seq := r.scheduler.Sequence(); seq > r.lastSeq {
		r.lastSeq = seq
	}
	r.mu.Unlock()

	r.telemetry.RecordSubscriptions(context.Background(), 0)

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Close clears the registry, aborts any in-flight poll and waits for the
// polling goroutine to exit. It must not be called from a listener.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.Clear()
	r.scheduler.Close()
}
