// Package duecache is a small read-through cache of the job store's
// next-due set (spec.md §9: "a small in-memory cache of the Job Store's
// next-due set (purely a read-through optimization, always reconciled by
// the authoritative due() query)"). It never answers a Due() call itself;
// it only remembers the most recently observed NextFireAt per job, which
// the scheduler loop reads as a logged hint. The loop still polls Due() on
// every tick and never treats the cache as authoritative.
package duecache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
)

// Cache remembers the most recently observed NextFireAt per job, bounded
// by an LRU so a long-running process with many historical jobs doesn't
// grow this unboundedly.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[uuid.UUID, time.Time]
}

// New creates a Cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	c, _ := lru.New[uuid.UUID, time.Time](capacity)
	return &Cache{entries: c}
}

// Observe records the next-fire time the authoritative store returned for
// jobID, from a prior Due()/Claim()/Upsert() call.
func (c *Cache) Observe(jobID uuid.UUID, nextFireAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(jobID, nextFireAt)
}

// Forget drops jobID, e.g. on task completion/deletion.
func (c *Cache) Forget(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(jobID)
}

// EarliestBefore reports whether any cached entry is at or before cutoff —
// a cheap hint that Due() is likely to return work this tick. A false
// result is not a guarantee of emptiness (a job never observed here may
// still be due); callers must still call Due() on every tick regardless.
// This is purely an optimization hint, never a substitute for the query.
func (c *Cache) EarliestBefore(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if t, ok := c.entries.Peek(key); ok && !t.After(cutoff) {
			return true
		}
	}
	return false
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
