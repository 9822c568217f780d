// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Both venues publish per-category limits measured over 10-second windows.
// The buckets refill continuously rather than in 10s bursts so steady load
// never trips a hard limit.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
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

// RateLimiter groups token buckets by REST endpoint category. Trading calls
// wait on Order or Cancel, catalog and book reads wait on Read.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Read   *TokenBucket
}

// NewPolymarketLimiter returns buckets tuned to the CLOB's published limits.
// Capacities match the 10-second burst allowance, rates are 1/10th of it.
func NewPolymarketLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s window
		Read:   NewTokenBucket(150, 15), // 1500 per 10s window
	}
}

// NewKalshiLimiter returns buckets for the standard API tier, which allows
// roughly 10 transactions and 20 reads per second.
func NewKalshiLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(20, 10),
		Read:   NewTokenBucket(40, 20),
	}
}
