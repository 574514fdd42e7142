// Package cache implements the in-process TTL cache market-data uses for
// quotes (~90s), benchmarks (~900s), and meta (~1 day): a single
// mutex-guarded map, checked before every upstream call and populated
// after every successful one.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a generic single-mutex-guarded cache with a fixed time-to-live
// per key.
type TTL[V any] struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]entry[V]
}

// New builds a TTL cache with the given expiry duration.
func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, m: make(map[string]entry[V])}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Set stores value for key, expiring after the cache's configured TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate removes key, forcing the next Get to miss.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// Len reports the number of entries currently stored, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
