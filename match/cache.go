// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match

import "sync"

// Cache is the batch-wide rollup of match outcomes: the positions of blocks
// in which no target matched, the positions of blocks with at least one
// match, and the number of elements in each block's filter keyed by height.
type Cache struct {
	Clean Set[Position]
	Dirty Set[Position]
	Sizes map[int32]uint32
}

// NewCache returns an empty cache.
func NewCache() Cache {
	return Cache{
		Clean: make(Set[Position]),
		Dirty: make(Set[Position]),
		Sizes: make(map[int32]uint32),
	}
}

// Merge adds every entry of rhs to c.  Filter sizes from rhs replace those
// already recorded at the same height.
func (c *Cache) Merge(rhs *Cache) {
	if c.Clean == nil {
		c.Clean = make(Set[Position], len(rhs.Clean))
	}
	if c.Dirty == nil {
		c.Dirty = make(Set[Position], len(rhs.Dirty))
	}
	if c.Sizes == nil {
		c.Sizes = make(map[int32]uint32, len(rhs.Sizes))
	}
	c.Clean.Union(rhs.Clean)
	c.Dirty.Union(rhs.Dirty)
	for height, size := range rhs.Sizes {
		c.Sizes[height] = size
	}
}

// Reset empties c while keeping its allocations.
func (c *Cache) Reset() {
	clear(c.Clean)
	clear(c.Dirty)
	clear(c.Sizes)
}

// Clone returns a deep copy of c.
func (c *Cache) Clone() Cache {
	out := Cache{
		Clean: c.Clean.Clone(),
		Dirty: c.Dirty.Clone(),
		Sizes: make(map[int32]uint32, len(c.Sizes)),
	}
	if out.Clean == nil {
		out.Clean = make(Set[Position])
	}
	if out.Dirty == nil {
		out.Dirty = make(Set[Position])
	}
	for height, size := range c.Sizes {
		out.Sizes[height] = size
	}
	return out
}

// SyncedCache is a Cache shared between matching workers.
type SyncedCache struct {
	mu    sync.Mutex
	cache Cache
}

// NewSyncedCache returns an empty shared cache.
func NewSyncedCache() *SyncedCache {
	return &SyncedCache{cache: NewCache()}
}

// Modify runs fn with exclusive access to the underlying cache.  fn must not
// retain the pointer.
func (s *SyncedCache) Modify(fn func(*Cache)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.cache)
}

// Snapshot returns a copy of the current contents.
func (s *SyncedCache) Snapshot() Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache.Clone()
}
