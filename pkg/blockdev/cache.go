package blockdev

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is an optional LRU read cache in front of a Device. Pinned blocks are
// held outside the LRU so eviction can never drop them. It is not safe for
// concurrent use, like everything else in this module.
type Cache struct {
	reader *Reader
	lru    *lru.Cache[uint64, []byte]
	pinned map[uint64][]byte
}

// NewCache creates a cache holding at most capacity unpinned blocks.
func NewCache(reader *Reader, capacity int) (*Cache, error) {
	l, err := lru.New[uint64, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		reader: reader,
		lru:    l,
		pinned: make(map[uint64][]byte),
	}, nil
}

// GetBlock returns the cached contents of block n, reading through on a miss.
// The returned slice belongs to the cache; callers must not hold it across an
// Invalidate.
func (c *Cache) GetBlock(n uint64) ([]byte, error) {
	if data, ok := c.pinned[n]; ok {
		return data, nil
	}
	if data, ok := c.lru.Get(n); ok {
		return data, nil
	}

	data := make([]byte, c.reader.BlockSize())
	if err := c.reader.ReadBlock(n, data); err != nil {
		return nil, err
	}
	c.lru.Add(n, data)
	return data, nil
}

// Pin moves block n out of the LRU so it cannot be evicted. The block is
// loaded if not already cached.
func (c *Cache) Pin(n uint64) error {
	if _, ok := c.pinned[n]; ok {
		return nil
	}
	data, ok := c.lru.Get(n)
	if !ok {
		data = make([]byte, c.reader.BlockSize())
		if err := c.reader.ReadBlock(n, data); err != nil {
			return err
		}
	}
	c.lru.Remove(n)
	c.pinned[n] = data
	return nil
}

// Unpin returns a pinned block to the LRU.
func (c *Cache) Unpin(n uint64) {
	if data, ok := c.pinned[n]; ok {
		delete(c.pinned, n)
		c.lru.Add(n, data)
	}
}

// Invalidate drops block n from the cache. Required after any write to n that
// bypasses the cache.
func (c *Cache) Invalidate(n uint64) {
	delete(c.pinned, n)
	c.lru.Remove(n)
}

// InvalidateAll drops everything, pinned blocks included.
func (c *Cache) InvalidateAll() {
	c.lru.Purge()
	c.pinned = make(map[uint64][]byte)
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	return c.lru.Len() + len(c.pinned)
}
