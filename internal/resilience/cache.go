package resilience

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, TTL-expiring LRU cache (spec §4.2, §8 invariant 7).
// Eviction and most-recently-used bookkeeping is delegated to
// hashicorp/golang-lru, which already implements "Get moves to MRU, Add
// evicts LRU when full"; this type layers a per-entry insertion timestamp
// and TTL expiry (checked on access, and swept in the background) on top.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	inner *lru.Cache[K, entry[V]]
	ttl   time.Duration
	done  chan struct{}
}

type entry[V any] struct {
	value     V
	insertedAt time.Time
}

// NewCache builds a Cache with the given maximum size and per-entry TTL.
// A ttl <= 0 disables expiry. The background sweep runs every
// min(ttl, 60s).
func NewCache[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1
	}
	inner, err := lru.New[K, entry[V]](size)
	if err != nil {
		// size is always >= 1 here, so lru.New cannot fail; keep a
		// defensive fallback rather than panicking in caller code.
		inner, _ = lru.New[K, entry[V]](1)
	}
	c := &Cache[K, V]{inner: inner, ttl: ttl, done: make(chan struct{})}
	if ttl > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached value for key, moving it to most-recently-used.
// Expired entries are treated as absent and removed.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.inner.Get(key)
	if !ok {
		return zero, false
	}
	if c.expired(e) {
		c.inner.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Set inserts or updates key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, entry[V]{value: value, insertedAt: time.Now()})
}

// Remove deletes key if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// Len returns the current number of (possibly expired but not yet swept)
// entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Close stops the background sweep goroutine.
func (c *Cache[K, V]) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Cache[K, V]) expired(e entry[V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return time.Since(e.insertedAt) > c.ttl
}

func (c *Cache[K, V]) sweepLoop() {
	interval := c.ttl
	if interval > 60*time.Second {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.inner.Keys() {
		e, ok := c.inner.Peek(key)
		if ok && c.expired(e) {
			c.inner.Remove(key)
		}
	}
}
