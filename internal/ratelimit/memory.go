package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket refills continuously up to its burst size.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewTokenBucket(maxBurst int, ratePerSecond float64, now time.Time) *TokenBucket {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 0.5
	}
	return &TokenBucket{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerSecond,
		lastTime: now,
	}
}

// TryTake takes one token if available. Otherwise it reports how long until
// the next token.
func (tb *TokenBucket) TryTake(now time.Time) (ok bool, remaining int, wait time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastTime).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.max {
			tb.tokens = tb.max
		}
		tb.lastTime = now
	}

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), 0
	}
	waitSec := (1.0 - tb.tokens) / tb.rate
	return false, 0, time.Duration(waitSec * float64(time.Second))
}

// full reports whether the bucket has refilled completely by now.
func (tb *TokenBucket) full(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens+now.Sub(tb.lastTime).Seconds()*tb.rate >= tb.max
}

// MemoryBackend keeps one token bucket per key in process memory. Quotas are
// per instance.
type MemoryBackend struct {
	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{buckets: make(map[string]*TokenBucket), now: now}
}

func (m *MemoryBackend) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := m.now()
	bucket := m.bucket(key, limit, window, now)
	ok, remaining, wait := bucket.TryTake(now)
	return Decision{Allowed: ok, Remaining: remaining, RetryAfter: wait}, nil
}

func (m *MemoryBackend) bucket(key string, limit int, window time.Duration, now time.Time) *TokenBucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Full buckets carry no state, drop them once per window.
	if now.Sub(m.lastSweep) >= window {
		for k, b := range m.buckets {
			if b.full(now) {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}

	b, ok := m.buckets[key]
	if !ok {
		b = NewTokenBucket(limit, float64(limit)/window.Seconds(), now)
		m.buckets[key] = b
	}
	return b
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
