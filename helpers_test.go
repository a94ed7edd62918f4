package flagwatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/flagr"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// newMockFlagr starts a fake Flagr server serving the given key/enabled pairs
func newMockFlagr(t *testing.T, flags map[string]bool) *flagr.MockServer {
	t.Helper()

	list := make([]flagr.FlagrFlag, 0, len(flags))
	id := int64(1)
	for key, enabled := range flags {
		list = append(list, flagr.FlagrFlag{ID: id, Key: key, Enabled: enabled})
		id++
	}

	server := flagr.NewMockServer(list...)
	t.Cleanup(server.Close)
	return server
}

// blockingGateway holds every FetchAll until released
type blockingGateway struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	result FlagMap
	err    error
}

func newBlockingGateway(result FlagMap) *blockingGateway {
	return &blockingGateway{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		result:  result,
	}
}

func (g *blockingGateway) FetchAll(ctx context.Context) (FlagMap, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.err
}

// parkingGateway holds only its first FetchAll until released; later calls
// answer immediately
type parkingGateway struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	result  FlagMap
}

func newParkingGateway(result FlagMap) *parkingGateway {
	return &parkingGateway{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  result,
	}
}

func (g *parkingGateway) FetchAll(ctx context.Context) (FlagMap, error) {
	if g.calls.Add(1) == 1 {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.result.Clone(), nil
}

// manualTicker lets tests fire poll intervals explicitly
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) factory(time.Duration) (<-chan time.Time, func()) {
	return m.ch, func() {}
}

func (m *manualTicker) fire(t *testing.T, c *Client) {
	t.Helper()

	before := c.Stats().Polling
	select {
	case m.ch <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("polling loop did not accept tick")
	}

	require.Eventually(t, func() bool {
		now := c.Stats().Polling
		return now.Cycles+now.Failures > before.Cycles+before.Failures
	}, waitFor, time.Millisecond)
}

func waitCycles(t *testing.T, c *Client, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Stats().Polling.Cycles >= n }, waitFor, time.Millisecond)
}

// recorder is a pointer listener that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) OnFlagChange(ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []bool
	for _, ev := range r.events {
		out = append(out, ev.Value)
	}
	return out
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
