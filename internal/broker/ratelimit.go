// ratelimit.go implements token-bucket rate limiting for the brokerage
// gateway REST API.
//
// The gateway publishes per-category limits measured in requests per
// minute. The buckets refill continuously rather than in one-minute
// bursts so a flurry of enforcement actions cannot trip the hard limit.
//
// Three buckets are maintained:
//   - Trade:    close / cancel / place calls (the enforcement path)
//   - Search:   position and order snapshot queries
//   - Metadata: contract lookups
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by gateway endpoint category. Each
// REST method calls the matching bucket's Wait before the HTTP request.
type RateLimiter struct {
	Trade    *TokenBucket // position close, order cancel, order place
	Search   *TokenBucket // open position / order queries
	Metadata *TokenBucket // contract lookups
}

// NewRateLimiter creates buckets tuned to the gateway's published
// limits. Capacities are the per-minute allowance, rates 1/60th for
// smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade:    NewTokenBucket(120, 2), // 120 per minute
		Search:   NewTokenBucket(60, 1),  // 60 per minute
		Metadata: NewTokenBucket(60, 1),  // 60 per minute
	}
}
