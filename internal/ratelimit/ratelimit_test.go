package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindow_Admits(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(3, 10*time.Second)
	sw.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !sw.IsAllowed() {
			t.Fatalf("admit %d denied, want allowed", i)
		}
	}
	if sw.IsAllowed() {
		t.Error("4th admit allowed, want denied")
	}
	if got := sw.InWindow(); got != 3 {
		t.Errorf("InWindow = %d, want 3 (denied call must not record)", got)
	}
}

func TestSlidingWindow_SlidesOut(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(2, 10*time.Second)
	sw.now = func() time.Time { return clock }

	sw.IsAllowed()
	sw.IsAllowed()
	if sw.IsAllowed() {
		t.Fatal("window full, admit should be denied")
	}

	clock = clock.Add(11 * time.Second)
	if !sw.IsAllowed() {
		t.Error("after window elapsed, admit should succeed")
	}
}

func TestSlidingWindow_WaitTime(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(1, 10*time.Second)
	sw.now = func() time.Time { return clock }

	if got := sw.WaitTime(); got != 0 {
		t.Errorf("empty window WaitTime = %v, want 0", got)
	}

	sw.IsAllowed()
	clock = clock.Add(4 * time.Second)
	if got := sw.WaitTime(); got != 6*time.Second {
		t.Errorf("WaitTime = %v, want 6s", got)
	}

	clock = clock.Add(7 * time.Second)
	if got := sw.WaitTime(); got != 0 {
		t.Errorf("WaitTime after expiry = %v, want 0", got)
	}
}

func TestSlidingWindow_DefaultFallback(t *testing.T) {
	sw := NewSlidingWindow(0, -1)
	if sw.maxRequests != DefaultMaxRequests {
		t.Errorf("maxRequests = %d, want %d", sw.maxRequests, DefaultMaxRequests)
	}
	if sw.window != DefaultWindow {
		t.Errorf("window = %v, want %v", sw.window, DefaultWindow)
	}
}

func TestSlidingWindow_NeverExceedsN(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sw := NewSlidingWindow(5, 60*time.Second)
	sw.now = func() time.Time { return clock }

	admitted := 0
	for i := 0; i < 200; i++ {
		if sw.IsAllowed() {
			admitted++
		}
		clock = clock.Add(100 * time.Millisecond)
	}
	// 200 calls over 20s inside a single 60s window: only 5 can land.
	if admitted != 5 {
		t.Errorf("admitted %d in one window, want 5", admitted)
	}
}
