// Package ratelimit throttles authenticated callers with in-memory token
// buckets.
package ratelimit

import (
	"sync"
	"time"
)

// pruneThreshold is the bucket count above which refilled buckets are
// dropped on the next Take.
const pruneThreshold = 4096

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Decision is the outcome of Take, with the values reported in
// X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a token-bucket limiter keyed by arbitrary strings. Every key gets
// rate tokens per window, refilled continuously.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter that allows rate requests per window and key.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

// refill must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.tokens+elapsed*l.perSecond(), float64(l.rate))
	b.lastRefill = now
}

// prune drops buckets that have refilled completely; they behave exactly
// like absent ones. Must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(l.rate) {
			delete(l.buckets, key)
		}
	}
}

// Take consumes one token for key if one is available.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.prune(now)
		}
		b = &bucket{tokens: float64(l.rate), lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	d := Decision{Limit: l.rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = max(int(b.tokens), 0)

	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 {
		d.ResetAt = now
	} else {
		d.ResetAt = now.Add(time.Duration(deficit * float64(l.window) / float64(l.rate)))
	}
	return d
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
