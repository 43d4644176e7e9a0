package provenance

import (
	"sync"
	"time"
)

// cacheEntry holds one memoised metadata record. Batch and product metadata
// never change after creation, so the TTL only bounds memory.
type cacheEntry struct {
	value     any
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// metaCache is a thread-safe TTL cache keyed by batch or product id.
// Chains are never cached; only immutable metadata goes in here.
type metaCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newMetaCache(ttl time.Duration) *metaCache {
	return &metaCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *metaCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.value, true
}

func (c *metaCache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// evict removes all expired entries and returns how many were dropped.
func (c *metaCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *metaCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
