package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCacheSeenWithinTTL(t *testing.T) {
	c := NewDedupeCache(10*time.Minute, 100)

	if c.IsDuplicate("a1|c1|m1") {
		t.Fatal("first observation must not be a duplicate")
	}
	if !c.IsDuplicate("a1|c1|m1") {
		t.Fatal("second observation within TTL must be a duplicate")
	}
}

func TestDedupeCacheTTLExpiry(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.IsDuplicate("k")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if c.IsDuplicate("k") {
		t.Fatal("entry past TTL must be treated as new")
	}
}

func TestDedupeCacheCapacityEviction(t *testing.T) {
	c := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 25; i++ {
		c.IsDuplicate(fmt.Sprintf("key-%d", i))
	}
	if got := c.Len(); got > 10 {
		t.Fatalf("cache exceeded capacity: %d entries", got)
	}
	// Oldest keys were evicted and are no longer duplicates.
	if c.IsDuplicate("key-0") {
		t.Fatal("evicted key must not be a duplicate")
	}
}

func TestDedupeCacheCapacityOneAlternation(t *testing.T) {
	// Rapid alternation on a capacity-1 cache: each key evicts the other,
	// so nothing is ever reported as duplicate.
	c := NewDedupeCache(time.Hour, 1)
	for i := 0; i < 6; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		if c.IsDuplicate(key) {
			t.Fatalf("iteration %d: alternating key %q wrongly deduplicated", i, key)
		}
	}
	// Repeating the same key back-to-back still dedupes.
	c.IsDuplicate("a")
	if !c.IsDuplicate("a") {
		t.Fatal("immediate repeat must be a duplicate")
	}
}
