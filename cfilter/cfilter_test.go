// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfilter_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/match"
	"github.com/stretchr/testify/require"
)

// randBytes returns deterministic pseudo random data of length n.
func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestQueryAgreesWithMatch(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	var key [gcs.KeySize]byte
	binary.BigEndian.PutUint64(key[:8], r.Uint64())
	binary.BigEndian.PutUint64(key[8:], r.Uint64())

	members := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		members = append(members, randBytes(r, 33))
	}
	filter, err := gcs.BuildGCSFilter(cfilter.RegularParams.P,
		cfilter.RegularParams.M, key, members)
	require.NoError(t, err)

	probes := make([][]byte, 0, 1500)
	probes = append(probes, members...)
	for i := 0; i < 1000; i++ {
		probes = append(probes, randBytes(r, 20))
	}

	digests := make([]uint64, len(probes))
	for i, p := range probes {
		digests[i] = cfilter.Hash(&key, p)
	}

	found := make(map[uint64]int)
	for _, d := range cfilter.Query(filter, cfilter.RegularParams, digests) {
		found[d]++
	}

	for i, p := range probes {
		want, err := filter.Match(key, p)
		require.NoError(t, err)
		_, got := found[digests[i]]
		require.Equal(t, want, got, "probe %d disagrees with Match", i)
		if i < len(members) {
			require.True(t, got, "member %d not found", i)
		}
	}
}

func TestQueryDuplicateDigests(t *testing.T) {
	key := [gcs.KeySize]byte{1, 2, 3}
	data := [][]byte{[]byte("alpha"), []byte("beta")}
	filter, err := gcs.BuildGCSFilter(cfilter.RegularParams.P,
		cfilter.RegularParams.M, key, data)
	require.NoError(t, err)

	d := cfilter.Hash(&key, data[0])
	got := cfilter.Query(filter, cfilter.RegularParams, []uint64{d, d})
	require.Equal(t, []uint64{d, d}, got)
}

func TestQueryEmpty(t *testing.T) {
	empty, err := gcs.FromBytes(0, cfilter.RegularParams.P,
		cfilter.RegularParams.M, nil)
	require.NoError(t, err)
	require.Empty(t, cfilter.Query(empty, cfilter.RegularParams,
		[]uint64{1, 2, 3}))

	key := [gcs.KeySize]byte{9}
	filter, err := gcs.BuildGCSFilter(cfilter.RegularParams.P,
		cfilter.RegularParams.M, key, [][]byte{[]byte("x")})
	require.NoError(t, err)
	require.Empty(t, cfilter.Query(filter, cfilter.RegularParams, nil))
}

func TestQuerierReuse(t *testing.T) {
	key := [gcs.KeySize]byte{7}
	data := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	filter, err := gcs.BuildGCSFilter(cfilter.RegularParams.P,
		cfilter.RegularParams.M, key, data)
	require.NoError(t, err)

	var q cfilter.Querier
	buf := make([]uint64, 0, 4)
	for i := 0; i < 3; i++ {
		buf = q.Query(filter, cfilter.RegularParams,
			[]uint64{cfilter.Hash(&key, data[i])}, buf[:0])
		require.Len(t, buf, 1)
	}
}

// testBlock returns a block with a coinbase paying to a P2WPKH script and a
// spend of an external outpoint paying to a taproot output.
func testBlock(t *testing.T) (*wire.MsgBlock, []byte, []byte, wire.OutPoint) {
	t.Helper()

	keyHash := bytes.Repeat([]byte{0x11}, 20)
	taprootKey := bytes.Repeat([]byte{0x22}, 32)

	p2wpkh, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).
		AddData(keyHash).Script()
	require.NoError(t, err)
	p2tr, err := txscript.NewScriptBuilder().AddOp(txscript.OP_1).
		AddData(taprootKey).Script()
	require.NoError(t, err)

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  bytes.Repeat([]byte{0x01}, 40),
	})
	coinbase.AddTxOut(wire.NewTxOut(50e8, p2wpkh))

	spent := wire.OutPoint{Hash: chainhash.Hash{0xab}, Index: 3}
	spend := wire.NewMsgTx(wire.TxVersion)
	spend.AddTxIn(wire.NewTxIn(&spent, nil, nil))
	spend.AddTxOut(wire.NewTxOut(1e8, p2tr))

	block := wire.NewMsgBlock(&wire.BlockHeader{Nonce: 42})
	require.NoError(t, block.AddTransaction(coinbase))
	require.NoError(t, block.AddTransaction(spend))

	return block, keyHash, taprootKey, spent
}

func TestElements(t *testing.T) {
	block, keyHash, taprootKey, spent := testBlock(t)

	elems := cfilter.Elements(block)
	has := func(b []byte) bool {
		for _, e := range elems {
			if bytes.Equal(e, b) {
				return true
			}
		}
		return false
	}

	spentBytes := match.OutPointBytes(&spent)
	created := wire.OutPoint{Hash: block.Transactions[1].TxHash(), Index: 0}
	createdBytes := match.OutPointBytes(&created)

	require.True(t, has(keyHash))
	require.True(t, has(taprootKey))
	require.True(t, has(spentBytes[:]))
	require.True(t, has(createdBytes[:]))

	// The 40 byte coinbase push has no searchable width and the null
	// coinbase outpoint is never an element.
	null := wire.OutPoint{Index: wire.MaxPrevOutIndex}
	nullBytes := match.OutPointBytes(&null)
	require.False(t, has(nullBytes[:]))
	require.Len(t, elems, 5)
}

func TestBuildMatchesElements(t *testing.T) {
	block, keyHash, _, _ := testBlock(t)

	filter, err := cfilter.Build(block, cfilter.RegularParams)
	require.NoError(t, err)
	require.Equal(t, uint32(5), filter.N())

	hash := block.BlockHash()
	key := cfilter.Key(&hash)
	d := cfilter.Hash(&key, keyHash)
	require.Equal(t, []uint64{d},
		cfilter.Query(filter, cfilter.RegularParams, []uint64{d}))

	raw, err := filter.NBytes()
	require.NoError(t, err)
	parsed, err := cfilter.FromNBytes(cfilter.RegularParams, raw)
	require.NoError(t, err)
	require.Equal(t, filter.N(), parsed.N())
}

func TestBuildEmptyBlock(t *testing.T) {
	block := wire.NewMsgBlock(&wire.BlockHeader{})

	filter, err := cfilter.Build(block, cfilter.RegularParams)
	require.NoError(t, err)
	require.Zero(t, filter.N())
}
