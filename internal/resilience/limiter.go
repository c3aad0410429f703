package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket limiter: capacity tokens, refilled
// continuously at refillPerSecond tokens/second, capped at capacity
// (spec §4.2). It wraps golang.org/x/time/rate, which already implements
// this exact continuous-refill token bucket.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter with the given bucket capacity and
// refill rate in tokens per second.
func NewRateLimiter(capacity int, refillPerSecond float64) *RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

// Wait removes one token, blocking until one is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
