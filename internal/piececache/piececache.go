// Package piececache keeps the most recently read pieces in memory for serving uploads.
package piececache

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/singleflight"
)

// Loader reads the piece when it is not found in cache.
type Loader func() ([]byte, error)

// Cache holds up to a fixed number of pieces. Least recently used pieces are evicted first.
// Concurrent reads of a missing piece load it once.
type Cache struct {
	lru    *lru.Cache
	loads  singleflight.Group
	hits   metrics.Counter
	misses metrics.Counter
}

// New returns a Cache holding at most numPieces pieces.
func New(numPieces int) (*Cache, error) {
	l, err := lru.New(numPieces)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:    l,
		hits:   metrics.NewCounter(),
		misses: metrics.NewCounter(),
	}, nil
}

// Get returns the data of the piece at index. loader is called if the piece is not in cache.
// Load errors are not cached.
func (c *Cache) Get(index uint32, loader Loader) ([]byte, error) {
	if v, ok := c.lru.Get(index); ok {
		c.hits.Inc(1)
		return v.([]byte), nil
	}
	c.misses.Inc(1)
	v, err, _ := c.loads.Do(strconv.FormatUint(uint64(index), 10), func() (interface{}, error) {
		if v, ok := c.lru.Get(index); ok {
			return v, nil
		}
		b, err := loader()
		if err != nil {
			return nil, err
		}
		c.lru.Add(index, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Remove drops the piece at index from the cache.
func (c *Cache) Remove(index uint32) {
	c.lru.Remove(index)
}

// Clear removes all pieces.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached pieces.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Utilization returns the percentage of reads served from memory.
func (c *Cache) Utilization() int {
	hits, misses := c.hits.Count(), c.misses.Count()
	if hits+misses == 0 {
		return 0
	}
	return int(100 * hits / (hits + misses))
}
