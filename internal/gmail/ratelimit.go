package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for the rate limiter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Operation is a Gmail API call with a quota cost.
type Operation int

const (
	OpProfile Operation = iota
	OpLabelsList
	OpLabelsCreate
	OpLabelsPatch
	OpMessagesList
	OpMessagesModify
)

// Cost returns the quota units charged for op.
func (o Operation) Cost() int {
	switch o {
	case OpLabelsCreate, OpLabelsPatch, OpMessagesList, OpMessagesModify:
		return 5
	default:
		return 1
	}
}

const (
	// DefaultCapacity is the per-user quota burst.
	DefaultCapacity = 250
	// DefaultRefillRate is quota units per second at full speed.
	DefaultRefillRate = 250.0
	// MinQPS bounds the configured rate away from zero.
	MinQPS = 0.1

	defaultQPS     = 5.0
	recoveryFactor = 0.5
	minWait        = 10 * time.Millisecond
)

// RateLimiter is a token bucket over quota units. After a throttle it
// refills at half rate until the throttle window has passed.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter scaled to qps requests per second.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if qps < MinQPS {
		qps = MinQPS
	}
	scale := min(qps/defaultQPS, 1.0)
	rate := DefaultRefillRate * scale
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     rate,
		baseRefillRate: rate,
		lastRefill:     clk.Now(),
	}
}

// reserve takes op's cost if available and returns zero, or returns how long
// to wait before trying again.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}
	r.refillLocked(now)
	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}
	wait := time.Duration((cost - r.tokens) / r.refillRate * float64(time.Second))
	return max(wait, minWait)
}

// Acquire blocks until op's cost is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.reserve(op)
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// TryAcquire takes op's cost without blocking.
func (r *RateLimiter) TryAcquire(op Operation) bool {
	cost := float64(op.Cost())
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return false
	}
	r.refillLocked(now)
	if r.tokens < cost {
		return false
	}
	r.tokens -= cost
	return true
}

func (r *RateLimiter) refillLocked(now time.Time) {
	if now.Before(r.throttledUntil) {
		return
	}
	if !r.throttledUntil.IsZero() && r.refillRate < r.baseRefillRate && now.Sub(r.throttledUntil) > time.Minute {
		r.refillRate = r.baseRefillRate
	}
	r.tokens = min(r.capacity, r.tokens+now.Sub(r.lastRefill).Seconds()*r.refillRate)
	r.lastRefill = now
}

// Available returns the current number of tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(r.clock.Now())
	return r.tokens
}

// Throttle drains the bucket and blocks acquisition for d. An existing longer
// throttle is kept.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if end := r.clock.Now().Add(d); end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
	r.lastRefill = r.throttledUntil
	r.tokens = 0
	r.refillRate = r.baseRefillRate * recoveryFactor
}
