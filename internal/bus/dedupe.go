package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache is a bounded LRU+TTL seen-set for inbound message keys.
// Prevents webhook retries and reconnect replays from duplicating agent runs.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = oldest
	now     func() time.Time
}

type dedupeEntry struct {
	key    string
	seenAt time.Time
}

// NewDedupeCache creates a dedupe cache with the given TTL and capacity.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records it
// either way. A re-observation refreshes the entry.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*dedupeEntry)
		if now.Sub(e.seenAt) < c.ttl {
			e.seenAt = now
			c.order.MoveToBack(el)
			return true
		}
		// Expired — treat as new.
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	c.evictLocked(now)
	el := c.order.PushBack(&dedupeEntry{key: key, seenAt: now})
	c.entries[key] = el
	return false
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest until under capacity.
func (c *DedupeCache) evictLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*dedupeEntry)
		if now.Sub(e.seenAt) < c.ttl {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, e.key)
		el = next
	}
	for len(c.entries) >= c.max {
		el := c.order.Front()
		if el == nil {
			return
		}
		e := el.Value.(*dedupeEntry)
		c.order.Remove(el)
		delete(c.entries, e.key)
	}
}
