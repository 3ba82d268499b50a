package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Clock returns the current time. Backtests pass a clock driven by bar
// timestamps so that rate limiting replays identically.
type Clock func() time.Time

// TokenBucket refills at rate tokens per second up to capacity. Tokens never
// go negative.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
	now      Clock
}

// NewTokenBucket starts full. A nil clock means time.Now.
func NewTokenBucket(capacity, rate float64, now Clock) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	capacity = math.Max(capacity, 0)
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     math.Max(rate, 0),
		last:     now(),
		now:      now,
	}
}

// Take consumes cost tokens if available.
func (b *TokenBucket) Take(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if cost < 0 || b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Tokens returns the current balance after refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// Limiter keeps one bucket per key, created on first use.
type Limiter struct {
	mu  sync.Mutex
	m   map[string]*TokenBucket
	now Clock
}

func New() *Limiter { return NewWithClock(nil) }

func NewWithClock(now Clock) *Limiter {
	return &Limiter{m: make(map[string]*TokenBucket), now: now}
}

// Bucket returns the bucket for key. capacity and rate only apply when the
// bucket is created.
func (l *Limiter) Bucket(key string, capacity, refillPerSec float64) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.m[key]
	if !ok {
		b = NewTokenBucket(capacity, refillPerSec, l.now)
		l.m[key] = b
	}
	return b
}
