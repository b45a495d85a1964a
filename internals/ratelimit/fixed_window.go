package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// FixedWindow counts requests per key in windows that open on a key's first
// request and close after the configured duration.
type FixedWindow struct {
	window time.Duration
	limit  int

	mu        sync.Mutex
	counters  map[string]*window
	nextSweep time.Time

	now func() time.Time
}

func NewFixedWindow(windowSize time.Duration, limit int) *FixedWindow {
	return &FixedWindow{
		window:   windowSize,
		limit:    limit,
		counters: make(map[string]*window),
		now:      time.Now,
	}
}

// Allow records a request for key. It returns whether the request is within
// the limit, how many requests remain in the window and when it resets.
func (f *FixedWindow) Allow(key string) (bool, int, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.sweep(now)

	w, ok := f.counters[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(f.window)}
		f.counters[key] = w
	}
	w.count++

	remaining := f.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return w.count <= f.limit, remaining, w.reset
}

func (f *FixedWindow) Limit() int {
	return f.limit
}

// sweep drops closed windows at most once per window. Caller holds f.mu.
func (f *FixedWindow) sweep(now time.Time) {
	if now.Before(f.nextSweep) {
		return
	}
	for key, w := range f.counters {
		if !now.Before(w.reset) {
			delete(f.counters, key)
		}
	}
	f.nextSweep = now.Add(f.window)
}

// Len returns the number of keys with an open window.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.counters)
}
