// Package cache provides a small bounded key-value cache with LRU eviction
// and read-time TTL checks. It backs the agent's expensive OS and network
// probes so they are not re-run on every collection cycle.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is a single cached value with its insertion timestamp.
type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
}

// Cache is a fixed-capacity LRU cache. Entries carry an insertion timestamp;
// expiry is decided by the caller at read time via the ttl argument to Get.
// Expired entries are treated as absent but are not removed until they are
// overwritten or fall off the LRU end, so eviction bookkeeping stays simple.
//
// All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[K]*list.Element
	now      func() time.Time
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides the time source. Used by tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = now
	}
}

// New creates a cache holding at most capacity entries. A capacity below 1
// is treated as 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}

	c := &Cache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the value for key if it is present and younger than ttl.
// A hit refreshes the entry's LRU position. An expired entry counts as a
// miss but keeps its slot until evicted or overwritten. A ttl <= 0 means
// the entry never expires.
func (c *Cache[K, V]) Get(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	ent := elem.Value.(*entry[K, V])
	if ttl > 0 && c.now().Sub(ent.insertedAt) > ttl {
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	return ent.value, true
}

// Set stores value under key, refreshing the insertion timestamp. If the
// cache is full the least-recently-used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.insertedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry[K, V]).key)
		}
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{
		key:        key,
		value:      value,
		insertedAt: c.now(),
	})
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// Len returns the number of entries currently held, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}
