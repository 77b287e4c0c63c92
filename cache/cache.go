// Package cache implements a small bounded TTL cache used by the repository
// layer. Entries expire lazily on access (no background sweep); when the cache
// is full the entry closest to expiry is evicted to make room. A miss is a
// normal return value, never an error.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a fixed-capacity key/value store with per-entry expiry.
// Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[K]entry[V]

	// now is swappable for tests.
	now func() time.Time

	// optional observation hooks (wired to telemetry counters in main)
	onHit, onMiss, onEvict func()
}

// New returns a cache holding at most capacity entries, each living for
// defaultTTL unless SetTTL overrides it. capacity must be > 0.
func New[K comparable, V any](capacity int, defaultTTL time.Duration) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[K]entry[V], capacity),
		now:        time.Now,
	}
}

// Observe registers counters called on hit, miss, and eviction. Any of the
// three may be nil. Must be called before the cache is shared.
func (c *Cache[K, V]) Observe(onHit, onMiss, onEvict func()) {
	c.onHit, c.onMiss, c.onEvict = onHit, onMiss, onEvict
}

// Get returns the live value for key. The second return is false on a miss:
// key absent, or present but expired (the expired entry is removed).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.miss()
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.miss()
		var zero V
		return zero, false
	}
	c.hit()
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL. If the cache is full and
// key is not already present, the live entry with the soonest expiry is
// evicted first; expired entries are reclaimed in preference to live ones.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOne(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

// evictOne removes one entry: an already-expired one if any exists, otherwise
// the one with the soonest expiry. Caller holds c.mu.
func (c *Cache[K, V]) evictOne(now time.Time) {
	var victim K
	var victimExp time.Time
	first := true
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			victim, first = k, false
			break
		}
		if first || e.expiresAt.Before(victimExp) {
			victim, victimExp, first = k, e.expiresAt, false
		}
	}
	if !first {
		delete(c.entries, victim)
		if c.onEvict != nil {
			c.onEvict()
		}
	}
}

// Invalidate removes key if present. Idempotent; never errors.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries. The cache instance stays usable.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V], c.capacity)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included (they are
// only reclaimed on access or eviction).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) hit() {
	if c.onHit != nil {
		c.onHit()
	}
}

func (c *Cache[K, V]) miss() {
	if c.onMiss != nil {
		c.onMiss()
	}
}
