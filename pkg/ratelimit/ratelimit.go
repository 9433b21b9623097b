package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per key (typically a client IP).
// Buckets idle for longer than the window are evicted on access.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]*entry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

func NewLimiter(window time.Duration, maxHits int) *Limiter {
	return &Limiter{
		limits:  make(map[string]*entry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Clean idle buckets
	for k, e := range l.limits {
		if now.Sub(e.lastSeen) > l.window {
			delete(l.limits, k)
		}
	}

	e, exists := l.limits[key]
	if !exists {
		every := rate.Every(l.window / time.Duration(max(l.maxHits, 1)))
		e = &entry{limiter: rate.NewLimiter(every, l.maxHits)}
		l.limits[key] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limits)
}
