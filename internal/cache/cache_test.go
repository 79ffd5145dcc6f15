package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestResponseCache_HitWithinTTL(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewResponseCache(300*time.Second, 10)
	c.now = func() time.Time { return clock }

	key := Key("https://reddit.com/r/golang.json", false)
	c.Put(key, []byte(`{"kind":"Listing"}`))

	v1, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	clock = clock.Add(100 * time.Second)
	v2, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit within TTL")
	}
	if string(v1) != string(v2) {
		t.Error("two gets within TTL returned different values")
	}
}

func TestResponseCache_ExpiresAfterTTL(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewResponseCache(300*time.Second, 10)
	c.now = func() time.Time { return clock }

	c.Put("k", []byte("v"))
	clock = clock.Add(301 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after TTL")
	}
}

func TestResponseCache_EvictsOldestOverCapacity(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewResponseCache(time.Hour, 3)
	c.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte("v"))
		clock = clock.Add(time.Second)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Error("newest entry should survive")
	}
}

func TestResponseCache_KeyDistinguishesAuth(t *testing.T) {
	if Key("u", true) == Key("u", false) {
		t.Error("authenticated flag must be part of the key")
	}
}

func TestResultCache_LRUAndStats(t *testing.T) {
	c := NewResultCache[[]string](2, time.Minute)

	c.Put("a", []string{"1"})
	c.Put("b", []string{"2"})

	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	// "a" is now MRU; inserting "c" evicts "b".
	c.Put("c", []string{"3"})

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as LRU")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should survive (was moved to MRU)")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 2/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("hit rate = %f, want ~0.667", stats.HitRate)
	}
}

func TestResultCache_Invalidate(t *testing.T) {
	c := NewResultCache[int](10, time.Minute)
	c.Put("x", 1)
	c.Invalidate()
	if _, ok := c.Get("x"); ok {
		t.Error("expected miss after Invalidate")
	}
}

func TestResultCache_QueryTimes(t *testing.T) {
	c := NewResultCache[int](10, time.Minute)
	c.ObserveQueryTime(10 * time.Millisecond)
	c.ObserveQueryTime(30 * time.Millisecond)

	stats := c.Stats()
	if stats.AvgQueryTime != 20*time.Millisecond {
		t.Errorf("avg = %v, want 20ms", stats.AvgQueryTime)
	}
	if stats.MaxQueryTime != 30*time.Millisecond {
		t.Errorf("max = %v, want 30ms", stats.MaxQueryTime)
	}
}
