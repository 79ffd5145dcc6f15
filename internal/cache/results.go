package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResultCache is an LRU+TTL cache for materialized search pages, keyed by the
// canonical serialization of the query. Access moves an entry to MRU.
type ResultCache[V any] struct {
	lru *expirable.LRU[string, V]

	hits   atomic.Uint64
	misses atomic.Uint64

	mu         sync.Mutex
	queryTimes []time.Duration // ring of recent query durations
}

const queryTimeWindow = 256

// NewResultCache creates a result cache. Non-positive arguments fall back to
// the defaults (1000 entries, 300s).
func NewResultCache[V any](maxSize int, ttl time.Duration) *ResultCache[V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache[V]{
		lru: expirable.NewLRU[string, V](maxSize, nil, ttl),
	}
}

// Get returns the cached page for the key, counting hit or miss.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores a page under the key.
func (c *ResultCache[V]) Put(key string, value V) {
	c.lru.Add(key, value)
}

// Invalidate drops everything, e.g. after an index write pass.
func (c *ResultCache[V]) Invalidate() {
	c.lru.Purge()
}

// ObserveQueryTime records how long an uncached query took.
func (c *ResultCache[V]) ObserveQueryTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryTimes = append(c.queryTimes, d)
	if len(c.queryTimes) > queryTimeWindow {
		c.queryTimes = c.queryTimes[len(c.queryTimes)-queryTimeWindow:]
	}
}

// CacheStats is an observable snapshot of cache behavior.
type CacheStats struct {
	Hits         uint64
	Misses       uint64
	HitRate      float64
	Entries      int
	AvgQueryTime time.Duration
	MaxQueryTime time.Duration
}

// Stats returns hit rate and query-time distribution.
func (c *ResultCache[V]) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	stats := CacheStats{
		Hits:    hits,
		Misses:  misses,
		Entries: c.lru.Len(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queryTimes) > 0 {
		var sum, max time.Duration
		for _, d := range c.queryTimes {
			sum += d
			if d > max {
				max = d
			}
		}
		stats.AvgQueryTime = sum / time.Duration(len(c.queryTimes))
		stats.MaxQueryTime = max
	}
	return stats
}
