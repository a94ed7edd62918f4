package watch

import (
	"context"
	"sync"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/rs/zerolog"
)

// Sink receives the result of a successful poll cycle. seq increases
// with the order in which cycles started their fetch.
type Sink func(ctx context.Context, seq uint64, flags domain.FlagMap)

// TickerFunc creates the repeating timer of a polling job. It returns the
// tick channel and a function that stops the timer.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler owns the single repeating poll job. It is either Idle (no job)
// or Active (exactly one job). Start and Stop are the only transitions.
type Scheduler struct {
	gateway   gateway.Gateway
	sink      Sink
	config    Config
	newTicker TickerFunc
	telemetry telemetry.Provider
	logger    zerolog.Logger

	// Cancelled by Close only, so Stop leaves in-flight fetches alone
	base       context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	cancel  context.CancelFunc // non-nil iff Active
	trigger chan struct{}
	seq     uint64
	stats   SchedulerStats

	wg sync.WaitGroup
}

// SchedulerStats describes the scheduler's activity
type SchedulerStats struct {
	Active      bool
	Activations uint64
	Cycles      uint64
	Failures    uint64
	LastCycle   time.Time
	LastError   string
}

// NewScheduler creates an idle scheduler
func NewScheduler(gw gateway.Gateway, sink Sink, cfg Config, opts ...SchedulerOption) *Scheduler {
	base, baseCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		gateway:    gw,
		sink:       sink,
		config:     cfg,
		newTicker:  realTicker,
		telemetry:  telemetry.NewNoOp(),
		logger:     zerolog.Nop(),
		base:       base,
		baseCancel: baseCancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerTicker replaces the timer implementation
func WithSchedulerTicker(fn TickerFunc) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.newTicker = fn
		}
	}
}

// WithSchedulerTelemetry sets the telemetry provider
func WithSchedulerTelemetry(p telemetry.Provider) SchedulerOption {
	return func(s *Scheduler) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Start moves Idle to Active. The new job runs one cycle immediately and
// then one per interval. Start reports whether a job was created.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.base.Err() != nil {
		return false
	}

	ctx, cancel := context.WithCancel(s.base)
	trigger := make(chan struct{}, 1)

	s.cancel = cancel
	s.trigger = trigger
	s.stats.Active = true
	s.stats.Activations++

	s.wg.Add(1)
	go s.run(ctx, trigger)

	s.telemetry.RecordPollActive(ctx, true)
	s.logger.Debug().Dur("interval", s.config.Interval).Msg("polling started")
	return true
}

// Stop moves Active to Idle. It never blocks: a fetch already in flight
// finishes and is still handed to the sink.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}

	s.cancel()
	s.cancel = nil
	s.trigger = nil
	s.stats.Active = false

	s.telemetry.RecordPollActive(s.base, false)
	s.logger.Debug().Msg("polling stopped")
	return true
}

// Trigger asks the active job for an extra cycle as soon as possible.
// It is a no-op while Idle; requests made during a cycle coalesce.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trigger == nil {
		return false
	}

	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// Active reports whether a polling job exists
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Close stops polling, aborts in-flight fetches and waits for the job to
// exit. It must not be called from inside a Sink.
func (s *Scheduler) Close() {
	s.Stop()
	s.baseCancel()
	s.wg.Wait()
}

// Sequence returns the number of the most recently started cycle
func (s *Scheduler) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Stats returns a snapshot of the scheduler's counters
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context, trigger <-chan struct{}) {
	defer s.wg.Done()

	s.cycle(ctx)

	tick, stopTicker := s.newTicker(s.config.Interval)
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-trigger:
		}

		// A tick may win the select against cancellation
		if ctx.Err() != nil {
			return
		}
		s.cycle(ctx)
	}
}

// cycle performs one fetch-and-dispatch iteration. Cycles of one job never
// overlap; a tick arriving during a slow fetch is dropped by the ticker.
func (s *Scheduler) cycle(job context.Context) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	// Detached from the job so that Stop does not abort the fetch
	ctx := s.base
	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}

	ctx, span := s.telemetry.StartSpan(ctx, "flagwatch.poll.cycle",
		telemetry.WithAttributes(
			telemetry.Int64("cycle", int64(seq)),
			telemetry.Duration("poll.interval_ms", s.config.Interval),
		))
	defer span.End()

	start := time.Now()
	flags, err := s.gateway.FetchAll(ctx)
	duration := time.Since(start)

	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.stats.LastError = err.Error()
		s.mu.Unlock()

		span.RecordError(err)
		s.telemetry.RecordPollCycle(ctx, false, duration, 0)
		s.logger.Warn().Err(err).Uint64("cycle", seq).Msg("poll cycle failed, retrying next tick")
		return
	}
	if flags == nil {
		flags = domain.FlagMap{}
	}

	s.sink(ctx, seq, flags)
	span.AddEvent("dispatched", telemetry.Int("flag.count", len(flags)))

	s.mu.Lock()
	s.stats.Cycles++
	s.stats.LastCycle = time.Now()
	s.stats.LastError = ""
	s.mu.Unlock()

	s.telemetry.RecordPollCycle(ctx, true, duration, len(flags))
}
