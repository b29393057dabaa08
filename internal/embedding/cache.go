package embedding

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Cache maps content hashes to vectors with least-recently-used eviction.
// One Cache is built per process and injected into Client.
type Cache struct {
	lru    *lru.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache returns a cache holding at most size vectors.
func NewCache(size int) (*Cache, error) {
	l, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the vector stored under key. Returned slices must not be modified.
func (c *Cache) Get(key string) ([]float32, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add stores vec under key.
func (c *Cache) Add(key string, vec []float32) {
	c.lru.Add(key, vec)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
