package resilience

import "time"

// EventType names a governor lifecycle event.
type EventType string

const (
	// EventQueueUpdate fires whenever the waiting list grows or shrinks.
	EventQueueUpdate EventType = "queueUpdate"
	// EventWaiting fires before the drain loop sleeps out the dispatch spacing.
	EventWaiting EventType = "waiting"
	// EventProcessing fires when a request is dispatched.
	EventProcessing EventType = "processing"
	// EventRetry fires when a rate-limited request is re-queued with backoff.
	EventRetry EventType = "retry"
	// EventRequestComplete fires once per request with its terminal outcome.
	EventRequestComplete EventType = "requestComplete"
	// EventQueueCleared fires after Clear rejected the waiting requests.
	EventQueueCleared EventType = "queueCleared"
)

// Event is a governor lifecycle notification. Fields that do not apply to
// the event type are left zero.
type Event struct {
	Type      EventType     `json:"type"`
	Governor  string        `json:"governor"`
	RequestID string        `json:"requestId,omitempty"`
	DedupKey  string        `json:"dedupKey,omitempty"`
	QueueSize int           `json:"queueSize"`
	Priority  int           `json:"priority,omitempty"`
	Retries   int           `json:"retries,omitempty"`
	Wait      time.Duration `json:"wait,omitempty"`
	Success   bool          `json:"success,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Cleared   int           `json:"cleared,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Listener receives governor events. Listeners are called synchronously from
// submitting goroutines and the drain goroutine, possibly concurrently, and
// must return quickly.
type Listener func(Event)
