package activity

import (
	"sync"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
)

// Cache is a small generic TTL cache with lazy eviction on read plus a
// periodic sweep started by the owner.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
	Range(fn func(key K, value V, expiresAt time.Time) bool)
	Evict(now time.Time)
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[K]ttlEntry[V]
}

func NewTTLCache[K comparable, V any](clk clock.Clock) Cache[K, V] {
	return &ttlCache[K, V]{clock: clk, entries: make(map[K]ttlEntry[V])}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) Range(fn func(key K, value V, expiresAt time.Time) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, e := range c.entries {
		if !fn(k, e.value, e.expiresAt) {
			return
		}
	}
}

func (c *ttlCache[K, V]) Evict(now time.Time) {
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
