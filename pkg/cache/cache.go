package cache

import (
	"sync"
	"time"

	"jeghealth/backend/pkg/config"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a bounded in-memory TTL cache. It keeps recently computed
// analytics summaries off the hot path.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	max     int
}

// NewCache builds a cache from the application cache settings
func NewCache() *Cache {
	cfg := config.Get()
	return NewCacheWithOptions(cfg.Cache.TTL, cfg.Cache.PurgeWindow, cfg.Cache.MaxSize)
}

// NewCacheWithOptions builds a cache with explicit settings. A positive
// purgeInterval starts a background sweep of expired entries; maxItems
// bounds the entry count, evicting the entry closest to expiry.
func NewCacheWithOptions(ttl, purgeInterval time.Duration, maxItems int) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		max:     maxItems,
	}
	if purgeInterval > 0 {
		go c.purgeLoop(purgeInterval)
	}
	return c
}

// Set stores value under key with the default TTL
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithExpiration(key, value, c.ttl)
}

// SetWithExpiration stores value under key; ttl <= 0 means no expiry
func (c *Cache) SetWithExpiration(key string, value interface{}, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictSoonest()
	}
	c.entries[key] = e
}

// Get returns the live value under key, if any
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Delete removes key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Flush drops every entry
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *Cache) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, e := range c.entries {
			if e.expired(now) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// evictSoonest removes the entry nearest to expiry; callers hold the
// write lock. Entries without expiry sort last so bounded caches under
// pressure shed transient data first.
func (c *Cache) evictSoonest() {
	var victim string
	var victimAt time.Time
	first := true
	for key, e := range c.entries {
		at := e.expiresAt
		if at.IsZero() {
			// treat no-expiry as far future
			at = time.Unix(1<<60, 0)
		}
		if first || at.Before(victimAt) {
			victim, victimAt = key, at
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}
