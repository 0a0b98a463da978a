// ABOUTME: Thread-safe generic TTL cache with insertion-order eviction and hit statistics.
// ABOUTME: Backs the verification, pairing artifact and seen-message caches.

package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Options configures a Cache.
type Options struct {
	// Name identifies the cache in stats and metrics.
	Name string
	TTL  time.Duration
	// MaxSize bounds the number of entries. Zero means unbounded.
	MaxSize int
	// SweepEvery runs a full expiry sweep after this many Get/Set calls.
	// Zero disables opportunistic sweeping.
	SweepEvery int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Name    string  `json:"name"`
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

// entry stores a value, its insertion time and its list element.
type entry[V any] struct {
	value      V
	insertedAt time.Time
	hits       int
	element    *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited key/value cache.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys in insertion order (oldest at front)

	name       string
	ttl        time.Duration
	maxSize    int
	sweepEvery int
	now        func() time.Time

	ops    int
	hits   uint64
	misses uint64
}

// New creates a cache with the given options.
func New[V any](opts Options) *Cache[V] {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		entries:    make(map[string]*entry[V]),
		order:      list.New(),
		name:       opts.Name,
		ttl:        opts.TTL,
		maxSize:    opts.MaxSize,
		sweepEvery: opts.SweepEvery,
		now:        now,
	}
}

// Get returns the value for key. Expired entries count as misses and are
// removed on the spot.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.expiredLocked(e) {
		c.removeLocked(key, e)
		c.misses++
		return zero, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Set inserts or overwrites key. An overwrite refreshes the insertion time.
// When the cache grows past MaxSize the oldest entries are evicted until it
// is back at 80% of capacity.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
	c.setLocked(key, value)
}

// SetIfAbsent stores value only when key is missing or expired. It reports
// whether the value was stored. Check and insert happen under one lock, so two
// callers racing on the same key cannot both win.
func (c *Cache[V]) SetIfAbsent(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()

	if e, ok := c.entries[key]; ok && !c.expiredLocked(e) {
		return false
	}
	c.setLocked(key, value)
	return true
}

// Invalidate removes key and reports whether it was present.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	return true
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.order.Init()
}

// Stats returns the current size and hit statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:    c.name,
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// setLocked is the internal set implementation. Must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = now
		e.hits = 0
		c.order.MoveToBack(e.element)
		return
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry[V]{
		value:      value,
		insertedAt: now,
		element:    elem,
	}

	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictLocked()
	}
}

// evictLocked drops the oldest entries until the cache is at 80% of MaxSize.
// Must be called with mu held.
func (c *Cache[V]) evictLocked() {
	target := max(1, c.maxSize*4/5)
	for len(c.entries) > target {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		c.removeLocked(key, c.entries[key])
	}
}

// sweepLocked walks from the oldest entry and stops at the first live one.
// Insertion times are non-decreasing along the list, so everything behind it
// is live too.
func (c *Cache[V]) sweepLocked() {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if !c.expiredLocked(e) {
			break
		}
		c.removeLocked(key, e)
	}
}

func (c *Cache[V]) tickLocked() {
	if c.sweepEvery <= 0 {
		return
	}
	c.ops++
	if c.ops >= c.sweepEvery {
		c.ops = 0
		c.sweepLocked()
	}
}

func (c *Cache[V]) expiredLocked(e *entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	if e != nil {
		c.order.Remove(e.element)
	}
	delete(c.entries, key)
}
