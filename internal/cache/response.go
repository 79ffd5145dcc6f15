// Package cache holds the two read-through caches of the engine: the JSON
// response cache used by the fetch layer and the search result cache.
package cache

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long cached entries stay fresh.
	DefaultTTL = 300 * time.Second

	// DefaultMaxEntries bounds both caches.
	DefaultMaxEntries = 1000
)

type responseEntry struct {
	value      []byte
	insertedAt time.Time
}

// ResponseCache caches raw JSON responses keyed by (URL, authenticated).
// Eviction happens inline on insert: expired entries first, then
// oldest-by-insertion until under capacity.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]responseEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits   uint64
	misses uint64
}

// NewResponseCache creates a response cache. Non-positive arguments fall back
// to the defaults (300s, 1000 entries).
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &ResponseCache{
		entries:    make(map[string]responseEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Key builds the cache key for a fetch.
func Key(url string, authenticated bool) string {
	return fmt.Sprintf("%s|auth=%t", url, authenticated)
}

// Get returns the cached value when present and fresh.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.insertedAt) > c.ttl {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Put stores a value and runs inline eviction.
func (c *ResponseCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = responseEntry{value: value, insertedAt: now}

	// Expired entries go first.
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
		}
	}

	// Then oldest-by-insertion until under capacity.
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, e := range c.entries {
			if first || e.insertedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.insertedAt
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *ResponseCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
