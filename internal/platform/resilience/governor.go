package resilience

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
)

const (
	// retryPriorityBoost lifts a retried request ahead of fresh work.
	retryPriorityBoost = 10

	defaultMaxRetries = 3
	defaultMaxBackoff = 60 * time.Second
)

// ExecuteFunc performs one upstream call.
type ExecuteFunc func(ctx context.Context) (any, error)

// GovernorConfig configures a Governor.
type GovernorConfig struct {
	// Name labels logs, metrics and spans (default "governor")
	Name string

	// RequestsPerMinute sets the minimum spacing between dispatches
	// (60s / RequestsPerMinute). Required.
	RequestsPerMinute int

	// MaxRetries bounds retries of rate-limited requests (default 3, negative means none)
	MaxRetries int

	// DisableDeduplication stops collapsing submissions that share a dedup key
	DisableDeduplication bool

	// MaxBackoff caps the retry delay (default 60s)
	MaxBackoff time.Duration

	// IsRetryable decides which failures are retried (default IsRateLimited)
	IsRetryable func(error) bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// GovernorStats is a snapshot of governor counters.
type GovernorStats struct {
	QueueSize    int    `json:"queueSize"`
	Processing   bool   `json:"processing"`
	Submitted    uint64 `json:"submitted"`
	Deduplicated uint64 `json:"deduplicated"`
	Dispatched   uint64 `json:"dispatched"`
	Retried      uint64 `json:"retried"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
	Cleared      uint64 `json:"cleared"`
}

// request is one pending unit of work.
type request struct {
	id        string
	execute   ExecuteFunc
	priority  int
	timestamp time.Time
	retries   int
	dedupKey  string
	seq       uint64
	future    *Future
}

// Governor serializes calls to a quota-limited upstream. It dispatches one
// request at a time, highest priority first, never faster than the configured
// rate; collapses waiting duplicates that share a dedup key; and re-queues
// rate-limited requests with exponential backoff.
type Governor struct {
	name        string
	interval    time.Duration
	maxRetries  int
	dedup       bool
	maxBackoff  time.Duration
	isRetryable func(error) bool
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer

	// ctx is handed to executions and cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	queue        []*request
	pending      map[string]*request
	processing   bool
	closed       bool
	lastDispatch time.Time
	seq          uint64
	stats        GovernorStats

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

// NewGovernor creates a governor. The drain loop starts lazily on Submit.
func NewGovernor(cfg GovernorConfig) (*Governor, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be > 0, got %d", cfg.RequestsPerMinute)
	}
	if cfg.Name == "" {
		cfg.Name = "governor"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsRateLimited
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Governor{
		name:        cfg.Name,
		interval:    time.Minute / time.Duration(cfg.RequestsPerMinute),
		maxRetries:  cfg.MaxRetries,
		dedup:       !cfg.DisableDeduplication,
		maxBackoff:  cfg.MaxBackoff,
		isRetryable: cfg.IsRetryable,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]*request),
		listeners:   make(map[uint64]Listener),
	}, nil
}

// Do submits execute and waits for its typed result. ctx only bounds the wait.
func Do[T any](ctx context.Context, g *Governor, execute func(context.Context) (T, error), priority int, dedupKey string) (T, error) {
	var zero T
	if execute == nil {
		return zero, ErrNilExecute
	}

	future := g.Submit(func(ctx context.Context) (any, error) {
		return execute(ctx)
	}, priority, dedupKey)

	value, err := future.Wait(ctx)
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T", ErrUnexpectedResult, value)
	}
	return typed, nil
}

// Submit queues execute and returns immediately. A non-empty dedupKey that
// matches a request still waiting returns that request's future instead of
// queueing a second call.
func (g *Governor) Submit(execute ExecuteFunc, priority int, dedupKey string) *Future {
	if execute == nil {
		return rejectedFuture(ErrNilExecute)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return rejectedFuture(ErrGovernorClosed)
	}

	if g.dedup && dedupKey != "" {
		if existing, ok := g.pending[dedupKey]; ok {
			g.stats.Deduplicated++
			promoted := priority > existing.priority && g.promote(existing, priority)
			size := len(g.queue)
			g.mu.Unlock()

			g.logDebug("request deduplicated", "request_id", existing.id, "dedup_key", dedupKey, "promoted", promoted)
			if promoted {
				g.emit(Event{
					Type:      EventQueueUpdate,
					RequestID: existing.id,
					DedupKey:  dedupKey,
					Priority:  priority,
					QueueSize: size,
				})
			}
			return existing.future
		}
	}

	g.seq++
	id := uuid.NewString()
	req := &request{
		id:        id,
		execute:   execute,
		priority:  priority,
		timestamp: time.Now(),
		dedupKey:  dedupKey,
		seq:       g.seq,
		future:    newFuture(id),
	}
	g.insert(req)
	if g.dedup && dedupKey != "" {
		g.pending[dedupKey] = req
	}
	g.stats.Submitted++

	size := len(g.queue)
	start := !g.processing
	if start {
		g.processing = true
	}
	g.mu.Unlock()

	g.recordQueueSize(size)
	g.emit(Event{
		Type:      EventQueueUpdate,
		RequestID: req.id,
		DedupKey:  dedupKey,
		Priority:  priority,
		QueueSize: size,
	})

	if start {
		go g.drain()
	}

	return req.future
}

// insert places req after every waiting request with priority >= its own,
// so equal priorities keep submission order (caller must hold lock).
func (g *Governor) insert(req *request) {
	i := 0
	for i < len(g.queue) && g.queue[i].priority >= req.priority {
		i++
	}
	g.queue = append(g.queue, nil)
	copy(g.queue[i+1:], g.queue[i:])
	g.queue[i] = req
}

// promote raises a waiting request to priority and moves it to where a
// fresh submission at that priority would go, but never further back
// (caller must hold lock).
func (g *Governor) promote(req *request, priority int) bool {
	i := slices.Index(g.queue, req)
	if i < 0 {
		return false
	}

	req.priority = priority
	j := 0
	for j < i && g.queue[j].priority >= priority {
		j++
	}
	if j < i {
		copy(g.queue[j+1:i+1], g.queue[j:i])
		g.queue[j] = req
	}
	return true
}

// drain dispatches waiting requests until the list is empty.
func (g *Governor) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.processing = false
			g.mu.Unlock()
			return
		}

		if wait := g.interval - time.Since(g.lastDispatch); wait > 0 {
			size := len(g.queue)
			g.mu.Unlock()

			g.emit(Event{Type: EventWaiting, Wait: wait, QueueSize: size})
			if !g.sleep(wait) {
				g.abort()
				return
			}
			// Re-examine the list: it may have been cleared or reordered meanwhile.
			continue
		}

		req := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		if req.dedupKey != "" && g.pending[req.dedupKey] == req {
			delete(g.pending, req.dedupKey)
		}
		g.lastDispatch = time.Now()
		g.stats.Dispatched++
		size := len(g.queue)
		g.mu.Unlock()

		g.recordQueueSize(size)
		if g.metrics != nil {
			g.metrics.RecordGovernorDispatch(g.ctx, g.name, time.Since(req.timestamp))
		}
		g.emit(Event{
			Type:      EventProcessing,
			RequestID: req.id,
			DedupKey:  req.dedupKey,
			Priority:  req.priority,
			Retries:   req.retries,
			QueueSize: size,
		})
		g.emit(Event{Type: EventQueueUpdate, QueueSize: size})

		start := time.Now()
		value, err := g.run(req)
		duration := time.Since(start)

		if err == nil {
			g.complete(req, value, nil, duration)
			continue
		}

		if delay, ok := g.requeue(req, err); ok {
			if !g.sleep(delay) {
				g.abort()
				return
			}
			continue
		}

		g.complete(req, nil, err, duration)
	}
}

// run invokes the request inside a span. A panic in execute fails the
// request instead of killing the drain loop.
func (g *Governor) run(req *request) (value any, err error) {
	ctx, span := observability.StartSpanWithAttributes(g.ctx, g.tracer, g.name+".dispatch", map[string]string{
		"request_id": req.id,
		"dedup_key":  req.dedupKey,
		"retries":    fmt.Sprintf("%d", req.retries),
	})
	defer func() {
		observability.EndSpanWithError(span, err)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute panicked: %v", r)
		}
	}()

	return req.execute(ctx)
}

// requeue puts a retryable failure back at the front of the list and
// returns the backoff to sleep before continuing.
func (g *Governor) requeue(req *request, err error) (time.Duration, bool) {
	if !g.isRetryable(err) || req.retries >= g.maxRetries {
		return 0, false
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, false
	}

	req.retries++
	req.priority += retryPriorityBoost
	g.queue = append([]*request{req}, g.queue...)
	if g.dedup && req.dedupKey != "" {
		if _, taken := g.pending[req.dedupKey]; !taken {
			g.pending[req.dedupKey] = req
		}
	}
	g.stats.Retried++
	size := len(g.queue)
	g.mu.Unlock()

	delay := calculateBackoff(req.retries, g.interval, g.maxBackoff, 0)

	g.logWarn("rate limited, retrying request",
		"request_id", req.id,
		"dedup_key", req.dedupKey,
		"retries", req.retries,
		"backoff_ms", delay.Milliseconds(),
		"error", err.Error(),
	)
	if g.metrics != nil {
		g.metrics.RecordGovernorRetry(g.ctx, g.name)
	}
	g.recordQueueSize(size)
	g.emit(Event{
		Type:      EventRetry,
		RequestID: req.id,
		DedupKey:  req.dedupKey,
		Priority:  req.priority,
		Retries:   req.retries,
		Wait:      delay,
		Error:     err.Error(),
		QueueSize: size,
	})

	return delay, true
}

// complete settles the request's future and reports the outcome.
func (g *Governor) complete(req *request, value any, err error, duration time.Duration) {
	g.mu.Lock()
	if err == nil {
		g.stats.Succeeded++
	} else {
		g.stats.Failed++
	}
	size := len(g.queue)
	g.mu.Unlock()

	req.future.settle(value, err)

	status := "success"
	event := Event{
		Type:      EventRequestComplete,
		RequestID: req.id,
		DedupKey:  req.dedupKey,
		Retries:   req.retries,
		Success:   err == nil,
		Duration:  duration,
		QueueSize: size,
	}
	if err != nil {
		status = "error"
		event.Error = err.Error()
		g.logDebug("request failed", "request_id", req.id, "dedup_key", req.dedupKey, "retries", req.retries, "error", err.Error())
	}

	if g.metrics != nil {
		g.metrics.RecordGovernorResult(g.ctx, g.name, status, duration)
	}
	g.emit(event)
}

// sleep waits d, returning false if the governor was closed meanwhile.
func (g *Governor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// abort stops the drain loop after Close, rejecting anything left behind.
func (g *Governor) abort() {
	g.mu.Lock()
	left := g.queue
	g.queue = nil
	g.pending = make(map[string]*request)
	g.processing = false
	g.mu.Unlock()

	for _, req := range left {
		req.future.settle(nil, ErrGovernorClosed)
	}
}

// Clear rejects every waiting request with ErrQueueCleared and returns how
// many were dropped. A request already dispatched still runs to completion.
func (g *Governor) Clear() int {
	n := g.clear(ErrQueueCleared)

	g.logInfo("request queue cleared", "cleared", n)
	g.recordQueueSize(0)
	g.emit(Event{Type: EventQueueCleared, Cleared: n})
	return n
}

func (g *Governor) clear(reason error) int {
	g.mu.Lock()
	dropped := g.queue
	g.queue = nil
	g.pending = make(map[string]*request)
	g.stats.Cleared += uint64(len(dropped))
	g.mu.Unlock()

	for _, req := range dropped {
		req.future.settle(nil, reason)
	}
	return len(dropped)
}

// Close rejects waiting and future submissions and cancels the context
// passed to executions.
func (g *Governor) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.clear(ErrGovernorClosed)
	g.cancel()
}

// QueueSize returns the number of waiting requests.
func (g *Governor) QueueSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// IsProcessing reports whether the drain loop is running.
func (g *Governor) IsProcessing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing
}

// PositionOf returns the 1-based position of the first waiting request with
// dedupKey, or 0 if none is waiting.
func (g *Governor) PositionOf(dedupKey string) int {
	if dedupKey == "" {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i, req := range g.queue {
		if req.dedupKey == dedupKey {
			return i + 1
		}
	}
	return 0
}

// IsQueued reports whether a request with dedupKey is waiting.
func (g *Governor) IsQueued(dedupKey string) bool {
	return g.PositionOf(dedupKey) > 0
}

// Stats returns a snapshot of the governor counters.
func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.stats
	s.QueueSize = len(g.queue)
	s.Processing = g.processing
	return s
}

// Name returns the governor's label.
func (g *Governor) Name() string {
	return g.name
}

// Interval returns the minimum spacing between dispatches.
func (g *Governor) Interval() time.Duration {
	return g.interval
}

// Subscribe registers l for every subsequent event.
func (g *Governor) Subscribe(l Listener) (unsubscribe func()) {
	g.listenersMu.Lock()
	id := g.nextListener
	g.nextListener++
	g.listeners[id] = l
	g.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.listenersMu.Lock()
			delete(g.listeners, id)
			g.listenersMu.Unlock()
		})
	}
}

func (g *Governor) emit(e Event) {
	e.Governor = g.name
	e.Timestamp = time.Now()

	g.listenersMu.RLock()
	listeners := make([]Listener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

func (g *Governor) recordQueueSize(size int) {
	if g.metrics != nil {
		g.metrics.RecordGovernorQueueSize(g.ctx, g.name, size)
	}
}

func (g *Governor) logDebug(msg string, fields ...any) {
	if g.logger != nil {
		g.logger.LogDebug(g.ctx, msg, append(fields, "governor", g.name)...)
	}
}

func (g *Governor) logInfo(msg string, fields ...any) {
	if g.logger != nil {
		g.logger.LogInfo(g.ctx, msg, append(fields, "governor", g.name)...)
	}
}

func (g *Governor) logWarn(msg string, fields ...any) {
	if g.logger != nil {
		g.logger.LogWarn(g.ctx, msg, append(fields, "governor", g.name)...)
	}
}
