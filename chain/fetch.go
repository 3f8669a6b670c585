// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"
)

// FetchFilters retrieves the filters of hashes from src with at most workers
// requests in flight.  The returned slice is ordered like hashes.  The first
// failure cancels the remaining requests and is returned.
func FetchFilters(ctx context.Context, src FilterSource,
	hashes []chainhash.Hash, workers int) ([]*gcs.Filter, error) {

	filters := make([]*gcs.Filter, len(hashes))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range hashes {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			filter, err := src.CFilter(&hashes[i])
			if err != nil {
				return fmt.Errorf("filter of block %v: %w",
					hashes[i], err)
			}
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// BlockHashes resolves the hashes of count consecutive blocks starting at
// height start.
func BlockHashes(ctx context.Context, src BlockSource, start int32,
	count int) ([]chainhash.Hash, error) {

	hashes := make([]chainhash.Hash, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		height := int64(start) + int64(i)
		hash, err := src.GetBlockHash(height)
		if err != nil {
			return nil, fmt.Errorf("hash of block %d: %w", height,
				err)
		}
		hashes = append(hashes, *hash)
	}
	return hashes, nil
}
