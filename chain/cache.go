// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jellydator/ttlcache/v3"
)

// CachedFilterSource keeps recently used filters of another FilterSource in
// memory.  Rescans of a batch after the lookahead window grows hit the cache
// instead of the store or the network.
type CachedFilterSource struct {
	src   FilterSource
	cache *ttlcache.Cache[chainhash.Hash, *gcs.Filter]
}

// NewCachedFilterSource returns a cache of at most capacity filters in front
// of src.
func NewCachedFilterSource(src FilterSource, capacity uint64) *CachedFilterSource {
	return &CachedFilterSource{
		src: src,
		cache: ttlcache.New[chainhash.Hash, *gcs.Filter](
			ttlcache.WithCapacity[chainhash.Hash, *gcs.Filter](capacity),
		),
	}
}

// CFilter returns the cached filter of a block, loading it from the
// underlying source on a miss.
func (c *CachedFilterSource) CFilter(hash *chainhash.Hash) (*gcs.Filter, error) {
	if item := c.cache.Get(*hash); item != nil {
		return item.Value(), nil
	}

	filter, err := c.src.CFilter(hash)
	if err != nil {
		return nil, err
	}
	c.cache.Set(*hash, filter, ttlcache.NoTTL)
	return filter, nil
}

// Len returns the number of cached filters.
func (c *CachedFilterSource) Len() int {
	return c.cache.Len()
}

// Metrics returns the hit and miss counters of the cache.
func (c *CachedFilterSource) Metrics() ttlcache.Metrics {
	return c.cache.Metrics()
}
