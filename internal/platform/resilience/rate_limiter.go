package resilience

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket for clients that call their provider
// directly. The market-data upstream is paced by the Governor instead.
type RateLimiter struct {
	limit rate.Limit
	burst int
	lim   atomic.Pointer[rate.Limiter]
}

// NewRateLimiter allows perSecond requests per second with bursts of up to
// burst. A non-positive burst defaults to one second's worth of requests.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = max(int(perSecond), 1)
	}

	rl := &RateLimiter{limit: rate.Limit(perSecond), burst: burst}
	rl.lim.Store(rate.NewLimiter(rl.limit, burst))
	return rl
}

func NewRateLimiterFromRPM(requestsPerMinute int, burst int) *RateLimiter {
	return NewRateLimiter(float64(requestsPerMinute)/60, burst)
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Load().Allow()
}

// Wait blocks until a token is available. A wait that cannot finish before
// ctx's deadline fails at once with context.DeadlineExceeded.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	err := rl.lim.Load().Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
}

// Stats reports the refill rate, bucket size and tokens currently available.
func (rl *RateLimiter) Stats() (perSecond float64, burst int, available float64) {
	return float64(rl.limit), rl.burst, rl.lim.Load().Tokens()
}

// Reset refills the bucket.
func (rl *RateLimiter) Reset() {
	rl.lim.Store(rate.NewLimiter(rl.limit, rl.burst))
}
