// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prehash

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/match"
	"github.com/stretchr/testify/require"
)

// TestHashDedup ensures the digest sequence of a bucket holds each digest once
// in order of first occurrence while every element stays reachable through
// the back-reference map.
func TestHashDedup(t *testing.T) {
	hash := chainhash.Hash{0x01}

	a := bytes.Repeat([]byte{0xaa}, 20)
	b := bytes.Repeat([]byte{0xbb}, 20)

	var ts Targets
	for i, e := range [][]byte{a, b, a, a, b} {
		require.NoError(t, ts.AddKey(match.Kind20, match.Index(i), e))
	}
	op := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 1}
	ts.AddOutPoint(op)
	ts.AddOutPoint(op)

	d := New(DefaultConfig(), []BlockTarget{{Hash: hash, Targets: &ts}},
		"dedup", make(match.Results), 0, 1)
	d.Prepare(0)

	key := cfilter.Key(&hash)
	da := cfilter.Hash(&key, a)
	db := cfilter.Hash(&key, b)

	row := d.Row(0)
	require.Equal(t, []uint64{da, db}, row.Hashes(match.Kind20))

	refs, ok := row.buckets[match.Kind20].refs.Get(da)
	require.True(t, ok)
	require.Equal(t, []uint32{0, 2, 3}, refs)
	refs, ok = row.buckets[match.Kind20].refs.Get(db)
	require.True(t, ok)
	require.Equal(t, []uint32{1, 4}, refs)

	require.Len(t, row.Hashes(match.KindOutpoint), 1)
	require.Empty(t, row.Hashes(match.Kind32))
}

func TestNewRegistersPositions(t *testing.T) {
	var ts Targets
	targets := []BlockTarget{
		{Hash: chainhash.Hash{1}, Targets: &ts},
		{Hash: chainhash.Hash{2}, Targets: &ts},
		{Hash: chainhash.Hash{3}, Targets: &ts},
	}
	results := make(match.Results)
	d := New(DefaultConfig(), targets, "positions", results, 41, 4)

	require.Equal(t, 3, d.Len())
	require.Len(t, results, 3)
	for i, pos := range d.Positions() {
		require.Equal(t, int32(41+i), pos.Height)
		require.Equal(t, targets[i].Hash, pos.Hash)
		require.NotNil(t, results[pos])
		require.Equal(t, int32(41+i), d.Row(i).Height)
	}
}
