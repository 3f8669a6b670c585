// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cfilter builds element-set compact filters for blocks and answers
// batched membership queries for element hashes computed ahead of time.
//
// An element-set filter is a Golomb-coded set keyed by the block hash, in the
// same encoding as BIP158 filters, whose members are the fixed-width data
// pushes and outpoints that wallets search for rather than whole scripts.
package cfilter

import (
	"github.com/aead/siphash"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Params are the Golomb coding parameters of a filter type.  M is not
// recoverable from a serialized filter and must match the value used when
// the filter was built.
type Params struct {
	// P is the bit length of the Golomb remainder.
	P uint8

	// M is the inverse false positive rate.
	M uint64
}

// RegularParams are the parameters used for element-set filters.  They are
// the BIP158 defaults.
var RegularParams = Params{
	P: builder.DefaultP,
	M: builder.DefaultM,
}

// KeyFunc derives the siphash key of a block's filter from its hash.
type KeyFunc func(blockHash *chainhash.Hash) [gcs.KeySize]byte

// Key derives a filter key from the first bytes of the block hash, as BIP158
// does.
func Key(blockHash *chainhash.Hash) [gcs.KeySize]byte {
	return builder.DeriveKey(blockHash)
}

// Hash returns the unreduced siphash digest of data under key.  It is the
// value the filter builder reduces into the filter range.
func Hash(key *[gcs.KeySize]byte, data []byte) uint64 {
	return siphash.Sum64(data, key)
}

// FromNBytes parses a filter serialized with its element count.
func FromNBytes(params Params, data []byte) (*gcs.Filter, error) {
	return gcs.FromNBytes(params.P, params.M, data)
}
