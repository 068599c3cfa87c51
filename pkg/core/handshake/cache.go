package handshake

import (
	"bytes"
	"container/list"
	"sync"
	"time"

	"github.com/umbra-exchange/umbra-relay/pkg/core/data/order"
)

// pairKey is the unordered pair of order IDs a cache entry is keyed on;
// (a,b) and (b,a) collide.
type pairKey struct {
	lo order.ID
	hi order.ID
}

func newPairKey(a, b order.ID) pairKey {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

type cacheEntry struct {
	key pairKey
	// completed entries are permanent; the pair is never scheduled again.
	completed bool
	// invisibleUntil suppresses scheduling until the instant passes. Only
	// meaningful while completed is false.
	invisibleUntil time.Time
}

// Cache is the bounded associative memory over order pairs. Completed
// entries prevent re-matching; invisible entries give a peer a window to
// finish a match it announced. Insertion never fails but may evict the least
// recently used entry; eviction weakens liveness only, a re-discovered pair
// simply triggers a fresh attempt.
type Cache struct {
	lock     sync.Mutex
	capacity int
	entries  map[pairKey]*list.Element
	// eviction order, most recently used at the front
	lru *list.List

	now func() time.Time
}

// NewCache returns a pair cache bounded to the given capacity.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[pairKey]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Contains reports whether the pair is completed, or invisible with an
// unexpired window. Touches the entry's recency.
func (c *Cache) Contains(a, b order.ID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	elem, ok := c.entries[newPairKey(a, b)]
	if !ok {
		return false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.completed {
		c.lru.MoveToFront(elem)
		return true
	}
	if c.now().Before(entry.invisibleUntil) {
		c.lru.MoveToFront(elem)
		return true
	}
	return false
}

// ContainsCompleted reports whether the pair holds a permanent Completed
// entry, ignoring invisibility.
func (c *Cache) ContainsCompleted(a, b order.ID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	elem, ok := c.entries[newPairKey(a, b)]
	if !ok {
		return false
	}
	if elem.Value.(*cacheEntry).completed {
		c.lru.MoveToFront(elem)
		return true
	}
	return false
}

// MarkCompleted records the pair as matched, permanently. Idempotent; an
// invisible entry upgrades, a completed entry never downgrades.
func (c *Cache) MarkCompleted(a, b order.ID) {
	c.lock.Lock()
	defer c.lock.Unlock()

	key := newPairKey(a, b)
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).completed = true
		c.lru.MoveToFront(elem)
		return
	}

	c.insert(&cacheEntry{key: key, completed: true})
}

// MarkInvisible refreshes the pair's invisibility window to now+d. A
// completed entry is left untouched.
func (c *Cache) MarkInvisible(a, b order.ID, d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	key := newPairKey(a, b)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if !entry.completed {
			entry.invisibleUntil = c.now().Add(d)
		}
		c.lru.MoveToFront(elem)
		return
	}

	c.insert(&cacheEntry{key: key, invisibleUntil: c.now().Add(d)})
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// insert assumes the lock is held and the key is absent.
func (c *Cache) insert(entry *cacheEntry) {
	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	c.entries[entry.key] = c.lru.PushFront(entry)
}
