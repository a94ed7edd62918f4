package watch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// manualTicker hands out one shared tick channel driven by the test
type manualTicker struct {
	ch      chan time.Time
	created atomic.Int32
	stopped atomic.Int32
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	m.created.Add(1)
	return m.ch, func() { m.stopped.Add(1) }
}

// recorder is a pointer listener that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recorder) OnFlagChange(ev domain.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Values() []bool {
	var out []bool
	for _, ev := range r.Events() {
		out = append(out, ev.Value)
	}
	return out
}

func newTestRegistry(t *testing.T, gw gateway.Gateway, ticker *manualTicker) *Registry {
	t.Helper()

	r, err := NewRegistry(gw, WithTicker(ticker.factory), WithWatchBuffer(4))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// attempts counts finished cycles, successful or not
func attempts(r *Registry) uint64 {
	s := r.scheduler.Stats()
	return s.Cycles + s.Failures
}

func waitAttempts(t *testing.T, r *Registry, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return attempts(r) >= n }, waitFor, time.Millisecond)
}

// tick fires one interval and waits for the resulting cycle to finish
func tick(t *testing.T, r *Registry, ticker *manualTicker) {
	t.Helper()

	before := attempts(r)
	select {
	case ticker.ch <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("polling loop did not accept tick")
	}
	waitAttempts(t, r, before+1)
}
