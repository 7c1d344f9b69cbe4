package guildgate

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
	timer     *time.Timer
}

// ProcessLocalCache is an in-memory key/value map with optional per-entry
// expiry, scoped to a single process. It is intentionally not a general
// cache: no LRU, no size bound, no cross-process visibility. It exists for
// short-lived per-call memoization.
//
// Expiry is enforced two ways: a timer proactively removes the entry, and
// Get treats a conceptually-expired entry as absent even if the timer
// hasn't fired yet.
type ProcessLocalCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	stopped bool
}

func NewProcessLocalCache() *ProcessLocalCache {
	return &ProcessLocalCache{
		entries: map[string]*cacheEntry{},
	}
}

// Get returns the value for key, or false if the key is absent or expired.
func (c *ProcessLocalCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		// Expired but the removal timer hasn't fired yet.
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key. A ttl above zero schedules proactive removal;
// zero means the entry lives until deleted or overwritten. Overwriting an
// entry cancels its previous removal.
func (c *ProcessLocalCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if existing, ok := c.entries[key]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	entry := &cacheEntry{value: value}
	if ttl > 0 {
		expiresAt := time.Now().Add(ttl)
		entry.expiresAt = expiresAt
		entry.timer = time.AfterFunc(
			ttl, func() {
				c.expire(key, expiresAt)
			},
		)
	}
	c.entries[key] = entry
}

// expire removes key only if it still holds the generation the timer was
// scheduled for. A Set racing the timer keeps the newer entry.
func (c *ProcessLocalCache) expire(key string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.Equal(expiresAt) {
		return
	}
	delete(c.entries, key)
}

// Delete removes key and cancels any scheduled removal.
func (c *ProcessLocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.entries, key)
}

// Len returns the number of live entries, counting expired-but-unreaped
// entries as gone.
func (c *ProcessLocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, entry := range c.entries {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}

// Stop cancels all scheduled removals and clears the cache. Further Sets
// are dropped.
func (c *ProcessLocalCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for _, entry := range c.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	c.entries = map[string]*cacheEntry{}
}
