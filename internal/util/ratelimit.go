package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound calls at least minInterval apart. A zero
// interval disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows one call per minInterval.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
