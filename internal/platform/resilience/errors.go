package resilience

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrQueueCleared rejects requests still waiting when the governor queue is cleared
	ErrQueueCleared = errors.New("request queue cleared")

	// ErrGovernorClosed rejects submissions after Close
	ErrGovernorClosed = errors.New("governor is closed")

	// ErrNilExecute is returned for a submission without a function to run
	ErrNilExecute = errors.New("nil execute function")

	// ErrUnexpectedResult is returned by Do when the shared result has another type
	ErrUnexpectedResult = errors.New("unexpected result type")
)

// RateLimitError tags an upstream rejection caused by the provider's quota.
// Upstream clients raise it on HTTP 429 so the governor can branch on the
// type instead of the message.
type RateLimitError struct {
	Service    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s: rate limit exceeded (status %d)", e.Service, e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRateLimitExceeded) hold for every RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// IsRateLimited reports whether err signals an upstream rate limit.
//
// Tagged errors are matched structurally. Untagged errors still match when
// their message mentions "rate limit", which keeps callers that only surface
// text working.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
