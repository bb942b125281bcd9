// Package idem provides the replay cache behind idempotency keys.
//
// A successful patch or observe result is stored under
// "operation:subject:caller-key"; a repeat of the same request within the
// TTL returns the stored result without touching the profile again. The
// cache is bounded: when full, the oldest entry makes room for the new one.
package idem

import (
	"sync"
	"time"
)

// Defaults for the replay window and the entry bound.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 1000
)

// Cache is a bounded in-memory TTL cache for completed operation results.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cachedResult
	ttl        time.Duration
	maxEntries int
}

type cachedResult struct {
	result   any
	storedAt time.Time
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]cachedResult),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Key builds the cache key for one caller-supplied idempotency key.
func Key(operation, subject, callerKey string) string {
	return operation + ":" + subject + ":" + callerKey
}

// Get returns the stored result and true if a live entry exists.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.result, true
}

// Set stores a result, pruning expired entries and evicting the oldest
// entry when the cache is at capacity.
func (c *Cache) Set(key string, result any) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.Sub(v.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cachedResult{result: result, storedAt: now}
}

// Len reports the number of entries, counting expired ones not yet pruned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, v := range c.entries {
		if !found || v.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, v.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
