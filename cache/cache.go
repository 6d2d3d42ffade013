// Package cache holds fetched resources for the lifetime of one capture
// run, so an asset shared by several segments is downloaded once.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// call is an in-flight or completed load for one key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a bounded in-memory map with in-flight deduplication.
// It is safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	store      map[string]V
	inflight   map[string]*call[V]
	maxEntries int

	hits, misses int
}

// New creates a new Cache with the given maximum number of entries.
// maxEntries <= 0 means unbounded.
func New[V any](maxEntries int) *Cache[V] {
	return &Cache[V]{
		store:      make(map[string]V),
		inflight:   make(map[string]*call[V]),
		maxEntries: maxEntries,
	}
}

// Key normalises a resource URL into a cache key.
func Key(url string) string {
	h := sha256.Sum256([]byte(url))
	return hex.EncodeToString(h[:])
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

// Set stores a value. If the cache is at capacity, a random entry is
// evicted to make room.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, v)
}

func (c *Cache[V]) setLocked(key string, v V) {
	if _, exists := c.store[key]; !exists && c.maxEntries > 0 && len(c.store) >= c.maxEntries {
		// map iteration order is random
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}
	c.store[key] = v
}

// Do returns the cached value for key, or runs load once and caches a
// successful result. Concurrent callers for the same key share one load.
// Errors are returned to every waiter but never cached.
func (c *Cache[V]) Do(key string, load func() (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.store[key]; ok {
		c.hits++
		c.mu.Unlock()
		return v, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.hits++
		c.mu.Unlock()
		<-cl.done
		return cl.value, cl.err
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.misses++
	c.mu.Unlock()

	cl.value, cl.err = load()

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.setLocked(key, cl.value)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// Stats reports hits and misses since creation or the last Reset.
func (c *Cache[V]) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Reset drops every entry and zeroes the counters.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]V)
	c.hits, c.misses = 0, 0
}
