// Package limiter implements the single-process fixed-window rate limiter that
// guards the upload endpoint. State is per process; running several replicas
// multiplies the effective limit.
package limiter

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// FixedWindow counts requests per key inside consecutive windows of fixed length.
type FixedWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	entries map[string]*window
}

func NewFixedWindow(limit int, length time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  length,
		now:     time.Now,
		entries: make(map[string]*window),
	}
}

// Allow records one request for key. When the limit is exceeded it returns
// false and the time left until the current window resets.
func (l *FixedWindow) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.entries[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.entries[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep drops windows that have expired and returns how many were removed.
func (l *FixedWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.entries {
		if now.Sub(w.start) >= l.window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
