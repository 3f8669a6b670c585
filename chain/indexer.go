// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/scandb"
)

// FilterIndexer is a FilterSource serving element-set filters.  Filters are
// read from the scan store when present; otherwise the block is fetched,
// its filter built and saved for later scans.
type FilterIndexer struct {
	store  *scandb.Store
	blocks BlockSource
	params cfilter.Params
}

// NewFilterIndexer returns an indexer building missing filters from blocks
// and keeping them in store.
func NewFilterIndexer(store *scandb.Store, blocks BlockSource) *FilterIndexer {
	return &FilterIndexer{
		store:  store,
		blocks: blocks,
		params: cfilter.RegularParams,
	}
}

// CFilter returns the element-set filter of the block with the given hash.
// ErrFilterNotFound is returned when the filter is not stored and the block
// cannot be fetched to build it.
func (x *FilterIndexer) CFilter(hash *chainhash.Hash) (*gcs.Filter, error) {
	filter, err := x.store.CFilter(hash)
	switch {
	case err == nil:
		return filter, nil
	case !errors.Is(err, scandb.ErrNotFound):
		return nil, err
	}

	block, err := x.blocks.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to fetch block %v: %w",
			ErrFilterNotFound, hash, err)
	}
	filter, err = cfilter.Build(block, x.params)
	if err != nil {
		return nil, fmt.Errorf("unable to build filter for block %v: %w",
			hash, err)
	}
	if err := x.store.PutCFilter(hash, filter); err != nil {
		return nil, err
	}

	log.Tracef("Indexed filter of block %v with %d elements", hash,
		filter.N())
	return filter, nil
}
