// Package ratelimit provides the sliding-window admission limiter used for
// outbound fetches and per-task scheduling admission.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMaxRequests is used when the configured value is unusable.
	DefaultMaxRequests = 60

	// DefaultWindow is used when the configured value is unusable.
	DefaultWindow = 60 * time.Second
)

// SlidingWindow admits at most maxRequests events per rolling window.
// Safe for concurrent use.
type SlidingWindow struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time
	now         func() time.Time // stubbed in tests
}

// NewSlidingWindow creates a limiter admitting maxRequests per window.
// Non-positive values fall back to the defaults (60 per 60s).
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// IsAllowed drops timestamps that slid out of the window, then records and
// admits the call if the window has room. A denied call records nothing.
func (sw *SlidingWindow) IsAllowed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.pruneLocked(now)

	if len(sw.timestamps) >= sw.maxRequests {
		return false
	}
	sw.timestamps = append(sw.timestamps, now)
	return true
}

// WaitTime returns how long until the oldest in-window admit expires, or zero
// when the window has room.
func (sw *SlidingWindow) WaitTime() time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.pruneLocked(now)

	if len(sw.timestamps) < sw.maxRequests {
		return 0
	}
	wait := sw.timestamps[0].Add(sw.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// InWindow returns the current number of admits inside the window.
func (sw *SlidingWindow) InWindow() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pruneLocked(sw.now())
	return len(sw.timestamps)
}

func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	start := 0
	for start < len(sw.timestamps) && !sw.timestamps[start].After(cutoff) {
		start++
	}
	sw.timestamps = sw.timestamps[start:]
}
