// Package cache provides the fixed-capacity read cache in front of each
// instance's database. Keys are book ISBNs; eviction is strictly
// least-recently-used by last Get or Put.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Cache is a bounded LRU mapping from string keys to values of type V.
// Safe for concurrent use by request handlers and batch workers.
type Cache[V any] struct {
	mu       sync.Mutex
	inner    *lru.Cache[string, V]
	capacity int
	hits     uint64
	misses   uint64
}

// New creates a cache holding at most capacity entries. Capacity must be
// positive; the caller validates configuration before construction.
func New[V any](capacity int) (*Cache[V], error) {
	inner, err := lru.New[string, V](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{inner: inner, capacity: capacity}, nil
}

// Get returns the cached value and marks the entry most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inner.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

// Put inserts or updates an entry, evicting the least-recently-used entry
// when the cache is at capacity.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, value)
}

// Invalidate removes the entry if present. Idempotent.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// Clear drops all entries. Hit/miss counters are preserved.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Stats returns a snapshot of size and hit/miss accounting.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:     c.inner.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
