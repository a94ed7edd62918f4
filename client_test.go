package flagwatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresGateway(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "gateway", cfgErr.Field)
}

func TestNew_InvalidFlagrFilter(t *testing.T) {
	_, err := New(
		WithFlagrEndpoint("http://localhost:18000"),
		WithFilterExpression("key +"),
	)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestClient_GetFlag(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": true, "b": false})
	c := newTestClient(t, WithGateway(gw))

	ctx := context.Background()

	value, err := c.GetFlag(ctx, "a", false)
	require.NoError(t, err)
	assert.True(t, value)

	value, err = c.GetFlag(ctx, "b", false)
	require.NoError(t, err)
	assert.False(t, value)

	value, err = c.GetFlag(ctx, "missing", false)
	require.NoError(t, err)
	assert.False(t, value, "absent flags are false")
}

func TestClient_GetFlagAlwaysRefetchesByDefault(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw))

	ctx := context.Background()
	_, err := c.GetFlag(ctx, "a", false)
	require.NoError(t, err)

	gw.Set(FlagMap{"a": false})
	value, err := c.GetFlag(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, value)
	assert.Equal(t, 2, gw.Calls())
}

func TestClient_SingleFlight(t *testing.T) {
	gw := newBlockingGateway(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw))

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetFlag(context.Background(), "a", false)
	}()
	<-gw.entered

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetFlag(context.Background(), "a", false)
		}(i)
	}

	// Let every caller reach the pending fetch before it resolves
	time.Sleep(100 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	assert.Equal(t, int32(1), gw.calls.Load())
	assert.Equal(t, uint64(n-1), c.Stats().Queries.Joined)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i])
	}
}

func TestClient_ForceBypassesPendingFetch(t *testing.T) {
	gw := newBlockingGateway(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.GetFlag(context.Background(), "a", false)
	}()
	<-gw.entered

	go func() {
		defer wg.Done()
		c.GetFlag(context.Background(), "a", true)
	}()
	<-gw.entered

	assert.Equal(t, int32(2), gw.calls.Load())

	close(gw.release)
	wg.Wait()

	assert.Equal(t, uint64(1), c.Stats().Queries.Forced)
}

func TestClient_GatewayFailure(t *testing.T) {
	gw := gateway.NewStatic(nil)
	gw.Fail(errors.New("connection refused"))
	c := newTestClient(t, WithGateway(gw))

	_, err := c.GetFlag(context.Background(), "a", false)
	require.Error(t, err)
	assert.True(t, IsGatewayFailure(err))

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "connection refused", gwErr.Err.Error())

	assert.False(t, c.Bool(context.Background(), "a"))
}

func TestClient_FlagsReturnsCallerOwnedMap(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw), WithSnapshotTTL(time.Minute))

	flags, err := c.Flags(context.Background(), false)
	require.NoError(t, err)
	flags["a"] = false

	again, err := c.Flags(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, again.Get("a"))
}

func TestClient_SnapshotTTL(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw), WithSnapshotTTL(time.Minute))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, c.Bool(ctx, "a"))
	}
	assert.Equal(t, 1, gw.Calls())

	gw.Set(FlagMap{"a": false})
	value, err := c.GetFlag(ctx, "a", true)
	require.NoError(t, err)
	assert.False(t, value, "forced queries bypass the snapshot")
	assert.False(t, c.Bool(ctx, "a"), "forced result replaces the snapshot")
	assert.Equal(t, 2, gw.Calls())

	stats := c.Stats()
	require.NotNil(t, stats.Snapshot)
	assert.Equal(t, uint64(3), stats.Queries.Hits)
}

func TestClient_DefaultsImposeNoDeadline(t *testing.T) {
	deadlines := make(chan bool, 2)
	gw := GatewayFunc(func(ctx context.Context) (FlagMap, error) {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return FlagMap{"a": true}, nil
	})
	c := newTestClient(t, WithGateway(gw), withTicker(newManualTicker().factory))

	value, err := c.GetFlag(context.Background(), "a", false)
	require.NoError(t, err)
	assert.True(t, value)
	assert.False(t, <-deadlines, "point query fetch")

	_, err = c.SubscribeToFlag("a", &recorder{})
	require.NoError(t, err)
	waitCycles(t, c, 1)
	assert.False(t, <-deadlines, "poll cycle fetch")
}

func TestClient_SlowGatewayResolvesWithDefaults(t *testing.T) {
	gw := newBlockingGateway(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw))

	done := make(chan bool, 1)
	go func() {
		value, err := c.GetFlag(context.Background(), "a", false)
		assert.NoError(t, err)
		done <- value
	}()
	<-gw.entered

	select {
	case <-done:
		t.Fatal("query resolved before the gateway answered")
	case <-time.After(150 * time.Millisecond):
	}

	close(gw.release)
	assert.True(t, <-done)
}

func TestClient_PollDoesNotJoinPendingQuery(t *testing.T) {
	gw := newParkingGateway(FlagMap{"a": true})
	c := newTestClient(t, WithGateway(gw), withTicker(newManualTicker().factory))

	query := make(chan bool, 1)
	go func() {
		value, err := c.GetFlag(context.Background(), "a", false)
		assert.NoError(t, err)
		query <- value
	}()
	<-gw.entered

	rec := &recorder{}
	_, err := c.SubscribeToFlag("a", rec)
	require.NoError(t, err)

	// The poll cycle makes its own call and dispatches while the query is parked
	waitCycles(t, c, 1)
	assert.Equal(t, int32(2), gw.calls.Load())
	assert.Equal(t, []bool{true}, rec.Values())
	assert.Len(t, query, 0)
	assert.Equal(t, uint64(1), c.Stats().Queries.Fetches, "poll cycles do not go through the query cache")

	close(gw.release)
	select {
	case value := <-query:
		assert.True(t, value)
	case <-time.After(waitFor):
		t.Fatal("parked query did not complete")
	}
}

func TestClient_TimerSingleton(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{})
	c := newTestClient(t, WithGateway(gw), withTicker(newManualTicker().factory))

	var subs []*Subscription
	for _, name := range []string{"a", "b", "c"} {
		sub, err := c.SubscribeToFlag(name, &recorder{})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	assert.True(t, c.Polling())
	assert.Equal(t, uint64(1), c.Stats().Polling.Activations)

	for _, sub := range subs {
		sub.Cancel()
	}
	assert.False(t, c.Polling())
}

func TestClient_ChangeOnlyDispatch(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": true})
	ticker := newManualTicker()
	c := newTestClient(t, WithGateway(gw), withTicker(ticker.factory))

	// Warm the poller so "a" is already known to be true
	_, err := c.SubscribeToFlag("warm", &recorder{})
	require.NoError(t, err)
	waitCycles(t, c, 1)

	rec := &recorder{}
	_, err = c.SubscribeToFlag("a", rec)
	require.NoError(t, err)

	ticker.fire(t, c)
	assert.Empty(t, rec.Values())

	gw.Set(FlagMap{"a": false})
	ticker.fire(t, c)
	assert.Equal(t, []bool{false}, rec.Values())
}

func TestClient_IdempotentSubscription(t *testing.T) {
	c := newTestClient(t, WithGateway(gateway.NewStatic(nil)), withTicker(newManualTicker().factory))

	rec := &recorder{}
	first, err := c.SubscribeToFlag("a", rec)
	require.NoError(t, err)
	second, err := c.SubscribeToFlag("a", rec)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, c.Stats().Subscriptions)

	first.Cancel()
	assert.Equal(t, 0, c.Stats().Subscriptions)
	assert.False(t, c.Polling())
}

func TestClient_FanOut(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": false})
	ticker := newManualTicker()
	c := newTestClient(t, WithGateway(gw), withTicker(ticker.factory))

	recs := []*recorder{{}, {}, {}, {}}
	for _, rec := range recs {
		_, err := c.SubscribeToFlag("a", rec)
		require.NoError(t, err)
	}
	waitCycles(t, c, 1)

	gw.Set(FlagMap{"a": true})
	ticker.fire(t, c)

	for _, rec := range recs {
		assert.Equal(t, []bool{true}, rec.Values())
	}
}

func TestClient_EndToEndScenario(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"x": true, "y": false})
	ticker := newManualTicker()
	c := newTestClient(t, WithGateway(gw), withTicker(ticker.factory))

	// t=0ms: polling runs for an existing subscriber and sees x=true
	_, err := c.SubscribeToFlag("y", &recorder{})
	require.NoError(t, err)
	waitCycles(t, c, 1)

	// t=1ms
	rec := &recorder{}
	_, err = c.SubscribeToFlag("x", rec)
	require.NoError(t, err)

	// t=2000ms
	gw.Set(FlagMap{"x": false, "y": false})
	ticker.fire(t, c)

	assert.Equal(t, []bool{false}, rec.Values())
}

func TestClient_OnFlagChange(t *testing.T) {
	c := newTestClient(t, WithGateway(gateway.NewStatic(FlagMap{"a": true})), withTicker(newManualTicker().factory))

	got := make(chan ChangeEvent, 1)
	sub, err := c.OnFlagChange("a", func(ev ChangeEvent) { got <- ev })
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case ev := <-got:
		assert.True(t, ev.Value)
		assert.False(t, ev.Previous)
	case <-time.After(waitFor):
		t.Fatal("listener not called")
	}

	_, err = c.OnFlagChange("a", nil)
	assert.True(t, IsConfigError(err))
}

func TestClient_Watch(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": false})
	ticker := newManualTicker()
	c := newTestClient(t, WithGateway(gw), withTicker(ticker.factory))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := c.Watch(ctx, "a")
	require.NoError(t, err)
	defer stop()
	waitCycles(t, c, 1)

	gw.Set(FlagMap{"a": true})
	ticker.fire(t, c)

	select {
	case ev := <-ch:
		assert.Equal(t, "a", ev.Flag)
		assert.True(t, ev.Value)
	case <-time.After(waitFor):
		t.Fatal("no event")
	}
}

func TestClient_StopAllPolling(t *testing.T) {
	c := newTestClient(t, WithGateway(gateway.NewStatic(nil)), withTicker(newManualTicker().factory))

	_, err := c.SubscribeToFlag("a", &recorder{})
	require.NoError(t, err)
	ch, _, err := c.Watch(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, c.Polling())

	c.StopAllPolling()

	assert.False(t, c.Polling())
	assert.Equal(t, 0, c.Stats().Subscriptions)
	_, open := <-ch
	assert.False(t, open)

	// Still usable
	_, err = c.SubscribeToFlag("a", &recorder{})
	require.NoError(t, err)
	assert.True(t, c.Polling())
}

func TestClient_StopAllPollingForgetsPreviousResult(t *testing.T) {
	c := newTestClient(t, WithGateway(gateway.NewStatic(FlagMap{"a": true})), withTicker(newManualTicker().factory))

	first := &recorder{}
	_, err := c.SubscribeToFlag("a", first)
	require.NoError(t, err)
	waitCycles(t, c, 1)
	assert.Equal(t, []bool{true}, first.Values())

	c.StopAllPolling()

	second := &recorder{}
	_, err = c.SubscribeToFlag("a", second)
	require.NoError(t, err)
	waitCycles(t, c, 2)
	assert.Equal(t, []bool{true}, second.Values())
}

func TestClient_Refresh(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": false})
	c := newTestClient(t, WithGateway(gw), withTicker(newManualTicker().factory), WithSnapshotTTL(time.Minute))

	rec := &recorder{}
	_, err := c.SubscribeToFlag("a", rec)
	require.NoError(t, err)
	waitCycles(t, c, 1)

	assert.False(t, c.Bool(context.Background(), "a"))

	gw.Set(FlagMap{"a": true})
	require.NoError(t, c.Refresh(context.Background()))

	waitCycles(t, c, 2)
	assert.Equal(t, []bool{true}, rec.Values())
	assert.True(t, c.Bool(context.Background(), "a"), "snapshot dropped by refresh")
}

func TestClient_Close(t *testing.T) {
	c, err := New(WithGateway(gateway.NewStatic(nil)), withTicker(newManualTicker().factory))
	require.NoError(t, err)

	_, err = c.SubscribeToFlag("a", &recorder{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, c.Polling())

	_, err = c.GetFlag(context.Background(), "a", false)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.SubscribeToFlag("a", &recorder{})
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = c.Watch(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestClient_Stats(t *testing.T) {
	server := newMockFlagr(t, map[string]bool{"a": true})
	c := newTestClient(t,
		WithFlagrEndpoint(server.URL),
		WithFlagrMaxRetries(0),
		withTicker(newManualTicker().factory),
	)

	_, err := c.GetFlag(context.Background(), "a", false)
	require.NoError(t, err)
	_, err = c.SubscribeToFlag("a", &recorder{})
	require.NoError(t, err)
	waitCycles(t, c, 1)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Queries.Fetches)
	assert.True(t, stats.Polling.Active)
	assert.Equal(t, 1, stats.Subscriptions)
	assert.Equal(t, []string{"a"}, stats.WatchedFlags)
	assert.Equal(t, "closed", stats.Circuit)
	assert.Nil(t, stats.Snapshot)
	assert.Equal(t, uint64(1), stats.Polling.Notifications)
}

func TestClient_AdminHandler(t *testing.T) {
	server := newMockFlagr(t, map[string]bool{"a": true})
	c := newTestClient(t,
		WithFlagrEndpoint(server.URL),
		WithFlagrMaxRetries(0),
		WithCircuitBreaker(0, 0),
		WithAdminServer(AdminConfig{Port: 19000}),
	)
	require.NotNil(t, c.admin)

	h := c.admin.Handler()

	req := httptest.NewRequest(http.MethodGet, "/admin/flags/a?force=true", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"flag":"a","value":true}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	server.SetStatus(http.StatusServiceUnavailable)
	req = httptest.NewRequest(http.MethodGet, "/admin/flags", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestClient_WebhookTriggersPoll(t *testing.T) {
	gw := gateway.NewStatic(FlagMap{"a": false})
	c := newTestClient(t,
		WithGateway(gw),
		withTicker(newManualTicker().factory),
		WithWebhook(WebhookConfig{Port: 18001}),
	)
	require.NotNil(t, c.webhook)

	rec := &recorder{}
	_, err := c.SubscribeToFlag("a", rec)
	require.NoError(t, err)
	waitCycles(t, c, 1)

	gw.Set(FlagMap{"a": true})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"flag.updated","flag_keys":["a"]}`))
	w := httptest.NewRecorder()
	c.webhook.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	waitCycles(t, c, 2)
	assert.Equal(t, []bool{true}, rec.Values())
}
