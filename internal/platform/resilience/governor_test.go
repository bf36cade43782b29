package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T, cfg GovernorConfig) *Governor {
	t.Helper()
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 6000
	}
	g, err := NewGovernor(cfg)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

// blocker occupies the drain loop until release is closed, so later
// submissions stay queued.
func blocker(started chan<- struct{}, release <-chan struct{}) ExecuteFunc {
	return func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func occupy(t *testing.T, g *Governor) (release func(), result *Future) {
	t.Helper()
	started := make(chan struct{})
	done := make(chan struct{})
	f := g.Submit(blocker(started, done), 0, "")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking request never dispatched")
	}

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, f
}

func value(v any) ExecuteFunc {
	return func(context.Context) (any, error) { return v, nil }
}

func waitResult(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never settled")
	return v, err
}

func TestNewGovernor_Validation(t *testing.T) {
	_, err := NewGovernor(GovernorConfig{})
	assert.Error(t, err)

	_, err = NewGovernor(GovernorConfig{RequestsPerMinute: -5})
	assert.Error(t, err)

	g, err := NewGovernor(GovernorConfig{RequestsPerMinute: 60})
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, time.Second, g.Interval())
	assert.Equal(t, defaultMaxRetries, g.maxRetries)
	assert.Equal(t, defaultMaxBackoff, g.maxBackoff)
	assert.True(t, g.dedup)
	assert.Equal(t, "governor", g.Name())

	g2, err := NewGovernor(GovernorConfig{RequestsPerMinute: 60, MaxRetries: -1, DisableDeduplication: true})
	require.NoError(t, err)
	defer g2.Close()
	assert.Equal(t, 0, g2.maxRetries)
	assert.False(t, g2.dedup)
}

func TestGovernor_MinimumSpacing(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{RequestsPerMinute: 600}) // 100ms

	var (
		mu    sync.Mutex
		times []time.Time
	)
	record := func(context.Context) (any, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil, nil
	}

	futures := []*Future{
		g.Submit(record, 0, "AAPL"),
		g.Submit(record, 0, "MSFT"),
		g.Submit(record, 0, "NVDA"),
		g.Submit(record, 0, ""),
	}
	for _, f := range futures {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, 95*time.Millisecond, "gap %d was %v", i, gap)
	}
}

func TestGovernor_DeduplicatesWaitingRequests(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})
	release, _ := occupy(t, g)

	var calls atomic.Int32
	first := g.Submit(func(context.Context) (any, error) {
		calls.Add(1)
		return 187.5, nil
	}, 0, "AAPL")
	second := g.Submit(func(context.Context) (any, error) {
		calls.Add(1)
		return -1.0, nil
	}, 0, "AAPL")

	assert.Same(t, first, second)
	assert.Equal(t, 1, g.QueueSize())
	assert.Equal(t, uint64(1), g.Stats().Deduplicated)

	release()

	v1, err1 := waitResult(t, first)
	v2, err2 := waitResult(t, second)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 187.5, v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGovernor_DedupReleasedOnDispatch(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	started := make(chan struct{})
	done := make(chan struct{})
	first := g.Submit(blocker(started, done), 0, "AAPL")
	<-started

	// The first request is executing, so this one is independent.
	second := g.Submit(value("fresh"), 0, "AAPL")
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, g.PositionOf("AAPL"))

	close(done)

	v, err := waitResult(t, first)
	require.NoError(t, err)
	assert.Equal(t, "released", v)

	v, err = waitResult(t, second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestGovernor_DeduplicationDisabled(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{DisableDeduplication: true})
	release, _ := occupy(t, g)

	var calls atomic.Int32
	exec := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	first := g.Submit(exec, 0, "AAPL")
	second := g.Submit(exec, 0, "AAPL")
	assert.NotSame(t, first, second)

	release()
	_, _ = waitResult(t, first)
	_, _ = waitResult(t, second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGovernor_RetriesRateLimitedRequests(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{
		RequestsPerMinute: 6000, // 10ms
		MaxBackoff:        time.Second,
	})

	var (
		mu    sync.Mutex
		waits []time.Duration
		retry []int
	)
	g.Subscribe(func(e Event) {
		if e.Type != EventRetry {
			return
		}
		mu.Lock()
		waits = append(waits, e.Wait)
		retry = append(retry, e.Retries)
		mu.Unlock()
	})

	var calls atomic.Int32
	f := g.Submit(func(context.Context) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, &RateLimitError{Service: "finnhub", StatusCode: 429}
		}
		return "quote", nil
	}, 0, "AAPL")

	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, "quote", v)
	assert.Equal(t, int32(3), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, retry)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, waits)
	assert.Equal(t, uint64(2), g.Stats().Retried)
}

func TestGovernor_RetriesExhausted(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{
		RequestsPerMinute: 6000,
		MaxRetries:        2,
		MaxBackoff:        30 * time.Millisecond,
	})

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	g.Subscribe(func(e Event) {
		if e.Type == EventRetry {
			mu.Lock()
			waits = append(waits, e.Wait)
			mu.Unlock()
		}
	})

	limitErr := &RateLimitError{Service: "finnhub", StatusCode: 429}
	var calls atomic.Int32
	f := g.Submit(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, limitErr
	}, 0, "AAPL")

	_, err := waitResult(t, f)
	assert.Same(t, limitErr, err)
	assert.Equal(t, int32(3), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	// 20ms, then 40ms capped at 30ms
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 30 * time.Millisecond}, waits)
}

func TestGovernor_RetriesLegacyRateLimitText(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{MaxBackoff: 50 * time.Millisecond})

	var calls atomic.Int32
	f := g.Submit(func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("API Rate Limit reached")
		}
		return "ok", nil
	}, 0, "")

	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGovernor_NonRetryableFailsImmediately(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	boom := errors.New("symbol not found")
	var calls atomic.Int32
	f := g.Submit(func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, 0, "ZZZZ")

	_, err := waitResult(t, f)
	assert.Same(t, boom, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), g.Stats().Failed)
}

func TestGovernor_CustomRetryPredicate(t *testing.T) {
	transient := errors.New("upstream returned status code 503")
	g := newTestGovernor(t, GovernorConfig{
		MaxBackoff:  20 * time.Millisecond,
		IsRetryable: func(err error) bool { return errors.Is(err, transient) },
	})

	var calls atomic.Int32
	f := g.Submit(func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, transient
		}
		return "ok", nil
	}, 0, "")

	_, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGovernor_ClearRejectsWaitingOnly(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	var cleared atomic.Int32
	g.Subscribe(func(e Event) {
		if e.Type == EventQueueCleared {
			cleared.Store(int32(e.Cleared))
		}
	})

	release, inFlight := occupy(t, g)

	waiting := []*Future{
		g.Submit(value(1), 0, "AAPL"),
		g.Submit(value(2), 5, "MSFT"),
		g.Submit(value(3), 0, ""),
	}
	require.Equal(t, 3, g.QueueSize())

	n := g.Clear()
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, g.QueueSize())
	assert.False(t, g.IsQueued("AAPL"))
	assert.Equal(t, int32(3), cleared.Load())

	for _, f := range waiting {
		_, err := waitResult(t, f)
		assert.ErrorIs(t, err, ErrQueueCleared)
	}

	release()
	v, err := waitResult(t, inFlight)
	require.NoError(t, err)
	assert.Equal(t, "released", v)

	// The governor keeps working after a clear.
	v, err = waitResult(t, g.Submit(value("again"), 0, "AAPL"))
	require.NoError(t, err)
	assert.Equal(t, "again", v)
}

func TestGovernor_PriorityOrder(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{RequestsPerMinute: 1200}) // 50ms
	release, _ := occupy(t, g)

	var (
		mu    sync.Mutex
		order []string
		times []time.Time
	)
	record := func(name string) ExecuteFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			times = append(times, time.Now())
			mu.Unlock()
			return name, nil
		}
	}

	futures := []*Future{
		g.Submit(record("first-p0"), 0, ""),
		g.Submit(record("second-p0"), 0, ""),
		g.Submit(record("p5"), 5, ""),
	}
	release()
	for _, f := range futures {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p5", "first-p0", "second-p0"}, order)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 45*time.Millisecond)
	}
}

func TestGovernor_PositionOf(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})
	release, _ := occupy(t, g)
	defer release()

	g.Submit(value(nil), 0, "MSFT")
	g.Submit(value(nil), 0, "AAPL")
	g.Submit(value(nil), 5, "NVDA")
	g.Submit(value(nil), -5, "TSLA")

	assert.Equal(t, 1, g.PositionOf("NVDA"))
	assert.Equal(t, 2, g.PositionOf("MSFT"))
	assert.Equal(t, 3, g.PositionOf("AAPL"))
	assert.Equal(t, 4, g.PositionOf("TSLA"))
	assert.Equal(t, 0, g.PositionOf("AMZN"))
	assert.Equal(t, 0, g.PositionOf(""))

	assert.True(t, g.IsQueued("AAPL"))
	assert.False(t, g.IsQueued("AMZN"))
	assert.Equal(t, 4, g.QueueSize())
	assert.True(t, g.IsProcessing())
}

func TestGovernor_EmitsLifecycleEvents(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{Name: "finnhub"})

	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := g.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	_, err := waitResult(t, g.Submit(value("ok"), 3, "AAPL"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1].Type == EventRequestComplete
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
		assert.Equal(t, "finnhub", e.Governor)
		assert.False(t, e.Timestamp.IsZero())
	}
	complete := events[len(events)-1]
	mu.Unlock()

	assert.Equal(t, []EventType{EventQueueUpdate, EventProcessing, EventQueueUpdate, EventRequestComplete}, types)
	assert.True(t, complete.Success)
	assert.Equal(t, "AAPL", complete.DedupKey)

	unsubscribe()
	unsubscribe()
	_, err = waitResult(t, g.Submit(value("ok"), 0, ""))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, len(types))
}

func TestGovernor_WaitingEvent(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{RequestsPerMinute: 1200})

	var waits atomic.Int32
	g.Subscribe(func(e Event) {
		if e.Type == EventWaiting {
			assert.Greater(t, e.Wait, time.Duration(0))
			assert.LessOrEqual(t, e.Wait, 50*time.Millisecond)
			waits.Add(1)
		}
	})

	a := g.Submit(value(1), 0, "")
	b := g.Submit(value(2), 0, "")
	_, _ = waitResult(t, a)
	_, _ = waitResult(t, b)

	assert.GreaterOrEqual(t, waits.Load(), int32(1))
}

func TestGovernor_FailureEventCarriesError(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	complete := make(chan Event, 1)
	g.Subscribe(func(e Event) {
		if e.Type == EventRequestComplete {
			complete <- e
		}
	})

	g.Submit(func(context.Context) (any, error) {
		return nil, errors.New("invalid symbol")
	}, 0, "")

	select {
	case e := <-complete:
		assert.False(t, e.Success)
		assert.Equal(t, "invalid symbol", e.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no requestComplete event")
	}
}

func TestGovernor_RecoversPanics(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	_, err := waitResult(t, g.Submit(func(context.Context) (any, error) {
		panic("bad upstream payload")
	}, 0, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	v, err := waitResult(t, g.Submit(value("still alive"), 0, ""))
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestGovernor_NilExecute(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	_, err := waitResult(t, g.Submit(nil, 0, "AAPL"))
	assert.ErrorIs(t, err, ErrNilExecute)
	assert.Equal(t, 0, g.QueueSize())
}

func TestGovernor_Close(t *testing.T) {
	g, err := NewGovernor(GovernorConfig{RequestsPerMinute: 6000})
	require.NoError(t, err)

	_, inFlight := occupy(t, g)
	queued := g.Submit(value(1), 0, "AAPL")

	g.Close()
	g.Close()

	_, err = waitResult(t, queued)
	assert.ErrorIs(t, err, ErrGovernorClosed)

	// The in-flight execution observes the cancelled context.
	_, err = waitResult(t, inFlight)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = waitResult(t, g.Submit(value(2), 0, ""))
	assert.ErrorIs(t, err, ErrGovernorClosed)

	assert.Eventually(t, func() bool { return !g.IsProcessing() }, time.Second, 5*time.Millisecond)
}

func TestDo(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	price, err := Do(context.Background(), g, func(context.Context) (float64, error) {
		return 412.3, nil
	}, 5, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 412.3, price)

	_, err = Do[string](context.Background(), g, nil, 0, "")
	assert.ErrorIs(t, err, ErrNilExecute)
}

func TestDo_SharedResultOfAnotherType(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})
	release, _ := occupy(t, g)

	g.Submit(value(42), 0, "AAPL")

	result := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), g, func(context.Context) (string, error) {
			return "never runs", nil
		}, 0, "AAPL")
		result <- err
	}()

	assert.Eventually(t, func() bool { return g.Stats().Deduplicated == 1 }, time.Second, 5*time.Millisecond)
	release()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrUnexpectedResult)
	case <-time.After(2 * time.Second):
		t.Fatal("Do never returned")
	}
}

func TestDo_WaitBoundedByContext(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})
	release, _ := occupy(t, g)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, g, func(context.Context) (int, error) { return 1, nil }, 0, "AAPL")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Giving up on the wait leaves the request queued.
	assert.True(t, g.IsQueued("AAPL"))
}

func TestGovernor_Stats(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	_, _ = waitResult(t, g.Submit(value(1), 0, ""))
	_, _ = waitResult(t, g.Submit(func(context.Context) (any, error) {
		return nil, errors.New("nope")
	}, 0, ""))

	assert.Eventually(t, func() bool {
		s := g.Stats()
		return s.Succeeded == 1 && s.Failed == 1
	}, time.Second, 5*time.Millisecond)

	s := g.Stats()
	assert.Equal(t, uint64(2), s.Submitted)
	assert.Equal(t, uint64(2), s.Dispatched)
	assert.Equal(t, 0, s.QueueSize)
}

func TestGovernor_RetryJumpsAheadOfWaitingWork(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{MaxBackoff: 10 * time.Millisecond})
	release, _ := occupy(t, g)

	var (
		mu    sync.Mutex
		order []string
		late  *Future
	)
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	exec := func(name string) ExecuteFunc {
		return func(context.Context) (any, error) {
			record(name)
			return name, nil
		}
	}

	var attempts atomic.Int32
	limited := g.Submit(func(context.Context) (any, error) {
		record("limited")
		if attempts.Add(1) == 1 {
			// Arrives while the first attempt runs and outranks the
			// retried priority, yet still goes after the retry.
			f := g.Submit(exec("p100"), 100, "")
			mu.Lock()
			late = f
			mu.Unlock()
			return nil, &RateLimitError{Service: "finnhub", StatusCode: 429}
		}
		return "limited", nil
	}, 50, "")
	p40 := g.Submit(exec("p40"), 40, "")
	p0 := g.Submit(exec("p0"), 0, "")

	release()
	for _, f := range []*Future{limited, p40, p0} {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}
	mu.Lock()
	lateFuture := late
	mu.Unlock()
	require.NotNil(t, lateFuture)
	_, err := waitResult(t, lateFuture)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"limited", "limited", "p100", "p40", "p0"}, order)
}

func TestGovernor_DedupPromotesWaitingRequest(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})
	release, _ := occupy(t, g)

	warm := g.Submit(value("warm"), -5, "quote:AAPL")
	g.Submit(value(nil), 0, "quote:MSFT")
	g.Submit(value(nil), 3, "quote:NVDA")
	require.Equal(t, 3, g.PositionOf("quote:AAPL"))

	interactive := g.Submit(value("interactive"), 5, "quote:AAPL")
	assert.Same(t, warm, interactive)
	assert.Equal(t, 1, g.PositionOf("quote:AAPL"))
	assert.Equal(t, 2, g.PositionOf("quote:NVDA"))
	assert.Equal(t, 3, g.PositionOf("quote:MSFT"))

	// A lower-priority caller never demotes it.
	g.Submit(value(nil), -10, "quote:AAPL")
	assert.Equal(t, 1, g.PositionOf("quote:AAPL"))
	assert.Equal(t, 3, g.QueueSize())

	release()
	v, err := waitResult(t, interactive)
	require.NoError(t, err)
	assert.Equal(t, "warm", v)
}

func TestGovernor_PromoteMovesForwardOnly(t *testing.T) {
	g := newTestGovernor(t, GovernorConfig{})

	a := &request{id: "a", priority: 30}
	b := &request{id: "b", priority: 10}
	c := &request{id: "c", priority: 0}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = []*request{a, b, c}

	assert.True(t, g.promote(b, 20))
	assert.Equal(t, []*request{a, b, c}, g.queue)
	assert.Equal(t, 20, b.priority)

	assert.True(t, g.promote(c, 5))
	assert.Equal(t, []*request{a, b, c}, g.queue)

	assert.True(t, g.promote(c, 40))
	assert.Equal(t, []*request{c, a, b}, g.queue)

	assert.True(t, g.promote(a, 50))
	assert.Equal(t, []*request{a, c, b}, g.queue)

	assert.False(t, g.promote(&request{id: "gone"}, 60))
	g.queue = nil
}
