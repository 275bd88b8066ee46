package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// simpleRateLimiter is a fixed-window counter keyed by caller identity
// (remote address for the public endpoints). Windows are tracked per key and
// expired entries are swept opportunistically on new-window writes.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]windowState
}

type windowState struct {
	hits      int
	expiresAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, now func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &simpleRateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]windowState),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	ts := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.windows[key]
	if !ok || ts.After(state.expiresAt) {
		l.windows[key] = windowState{hits: 1, expiresAt: ts.Add(l.window)}
		l.sweepLocked(ts)
		return true
	}
	if state.hits >= l.limit {
		return false
	}
	state.hits++
	l.windows[key] = state
	return true
}

func (l *simpleRateLimiter) sweepLocked(ts time.Time) {
	for key, state := range l.windows {
		if ts.After(state.expiresAt) {
			delete(l.windows, key)
		}
	}
}
