// Package health tracks the availability of upstream providers.
package health

import (
	"sync"
	"time"
)

// ProviderHealth represents the current health state of an upstream provider.
// It is used by the health check endpoints to determine overall system health.
type ProviderHealth struct {
	// Provider is the name of the provider (e.g., "finnhub", "openai")
	Provider string `json:"provider"`

	// LastSuccess is the timestamp of the last successful API call
	LastSuccess time.Time `json:"lastSuccess"`

	// LastFailure is the timestamp of the last failed API call
	LastFailure time.Time `json:"lastFailure"`

	// LastError contains the error message from the last failure, if any
	LastError string `json:"lastError,omitempty"`

	// LastDuration is the latency of the last API call
	LastDuration time.Duration `json:"lastDuration"`

	// ConsecutiveFailures is the count of consecutive failed API calls
	ConsecutiveFailures int `json:"consecutiveFailures"`

	// CircuitState is the current state of the circuit breaker
	CircuitState string `json:"circuitState,omitempty"`
}

// Healthy reports whether the provider can take traffic: its breaker is not
// open and it has not failed maxFailures times in a row.
func (h ProviderHealth) Healthy(maxFailures int) bool {
	if h.CircuitState == "open" {
		return false
	}
	return maxFailures <= 0 || h.ConsecutiveFailures < maxFailures
}

// Provider defines the interface for providers that expose health status.
type Provider interface {
	// Health returns the current health status. It must be thread-safe and non-blocking.
	Health() ProviderHealth
}

// Tracker records call outcomes for one provider.
type Tracker struct {
	mu     sync.RWMutex
	health ProviderHealth
}

// NewTracker creates a tracker for the named provider.
func NewTracker(provider string) *Tracker {
	return &Tracker{health: ProviderHealth{Provider: provider}}
}

// Record stores the outcome of one call.
func (t *Tracker) Record(err error, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.LastDuration = duration
	if err == nil {
		t.health.LastSuccess = time.Now()
		t.health.LastError = ""
		t.health.ConsecutiveFailures = 0
		return
	}

	t.health.LastFailure = time.Now()
	t.health.LastError = err.Error()
	t.health.ConsecutiveFailures++
}

// Snapshot returns the recorded health with the given breaker state.
func (t *Tracker) Snapshot(circuitState string) ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.health
	h.CircuitState = circuitState
	return h
}
