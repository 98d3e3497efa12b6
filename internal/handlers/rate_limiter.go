package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits or rejects a request for key.
type RateLimiter interface {
	Allow(key string) bool
}

// keyedLimiter keeps one token bucket per key. Buckets idle for longer than the refill period
// are dropped on the next sweep.
type keyedLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter admits limit requests per key per window with a refilling token bucket.
// It returns nil when limit or window is not positive, which disables limiting.
func NewRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}
