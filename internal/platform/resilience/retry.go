package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls RetryIfWithResult. Jitter spreads each delay by up to
// that fraction in either direction.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// RetryIfWithResult calls fn until it succeeds, returns an error retryable
// rejects, or the attempts run out. The final error wraps the last failure.
func RetryIfWithResult[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		switch {
		case err == nil:
			return out, nil
		case !retryable(err):
			return zero, fmt.Errorf("non-retryable error: %w", err)
		case ctx.Err() != nil:
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case attempt >= attempts:
			return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}

		if err := sleep(ctx, calculateBackoff(attempt-1, cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)); err != nil {
			return zero, fmt.Errorf("retry cancelled during backoff: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calculateBackoff doubles base for every prior attempt, caps at limit and
// applies jitter last.
func calculateBackoff(attempt int, base, limit time.Duration, jitter float64) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if limit > 0 && d >= limit {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}

	if jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) * (1 + spread))
}

// IsRetryable reports whether an upstream HTTP failure is worth another try.
// Quota rejections, 5xx and transport errors are; cancellation, an open
// breaker and other 4xx responses are not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, context.Canceled):
		return false
	case IsRateLimited(err):
		return true
	}

	msg := strings.ToLower(err.Error())
	return !strings.Contains(msg, "invalid argument") && !strings.Contains(msg, "status code 4")
}
