// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain_test

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/chain"
	"github.com/cfscan/cfscan/match"
	"github.com/cfscan/cfscan/prehash"
	"github.com/cfscan/cfscan/scandb"
	"github.com/stretchr/testify/require"
)

// memChain is an in-memory BlockSource.
type memChain struct {
	blocks []*wire.MsgBlock
	fetches atomic.Int32
}

func (c *memChain) GetBestBlock() (*chainhash.Hash, int32, error) {
	hash := c.blocks[len(c.blocks)-1].BlockHash()
	return &hash, int32(len(c.blocks) - 1), nil
}

func (c *memChain) GetBlockHash(height int64) (*chainhash.Hash, error) {
	if height < 0 || height >= int64(len(c.blocks)) {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	hash := c.blocks[height].BlockHash()
	return &hash, nil
}

func (c *memChain) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.fetches.Add(1)
	for _, b := range c.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}
	return nil, fmt.Errorf("unknown block %v", hash)
}

func p2wpkh(t *testing.T, hash160 []byte) []byte {
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).
		AddData(hash160).Script()
	require.NoError(t, err)
	return script
}

// newBlock returns a block with a coinbase paying to payTo and, when spend
// is not nil, a transaction spending it.
func newBlock(t *testing.T, nonce uint32, payTo []byte,
	spend *wire.OutPoint) *wire.MsgBlock {

	block := wire.NewMsgBlock(&wire.BlockHeader{Nonce: nonce})

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x01, byte(nonce)},
	})
	coinbase.AddTxOut(wire.NewTxOut(50, p2wpkh(t, payTo)))
	require.NoError(t, block.AddTransaction(coinbase))

	if spend != nil {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(wire.NewTxIn(spend, nil, nil))
		tx.AddTxOut(wire.NewTxOut(10, p2wpkh(t, bytes.Repeat(
			[]byte{0x99}, 20))))
		require.NoError(t, block.AddTransaction(tx))
	}
	return block
}

func newChain(t *testing.T, n int) *memChain {
	c := &memChain{}
	for i := 0; i < n; i++ {
		c.blocks = append(c.blocks, newBlock(t, uint32(i),
			bytes.Repeat([]byte{byte(i)}, 20), nil))
	}
	return c
}

func openStore(t *testing.T) *scandb.Store {
	t.Helper()

	db, err := walletdb.Create("bdb", filepath.Join(t.TempDir(), "c.db"),
		true, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := scandb.Open(db, "scan")
	require.NoError(t, err)
	return s
}

func TestFilterIndexer(t *testing.T) {
	c := newChain(t, 3)
	idx := chain.NewFilterIndexer(openStore(t), c)

	hash := c.blocks[1].BlockHash()
	filter, err := idx.CFilter(&hash)
	require.NoError(t, err)
	require.Equal(t, int32(1), c.fetches.Load())

	want, err := cfilter.Build(c.blocks[1], cfilter.RegularParams)
	require.NoError(t, err)
	require.Equal(t, want.N(), filter.N())

	key := cfilter.Key(&hash)
	ok, err := filter.Match(key, bytes.Repeat([]byte{1}, 20))
	require.NoError(t, err)
	require.True(t, ok)

	// The second request is served from the store.
	_, err = idx.CFilter(&hash)
	require.NoError(t, err)
	require.Equal(t, int32(1), c.fetches.Load())

	missing := chainhash.Hash{0xff}
	_, err = idx.CFilter(&missing)
	require.ErrorIs(t, err, chain.ErrFilterNotFound)
	require.ErrorContains(t, err, "unknown block")

	// A block that cannot be fetched is not indexed.
	_, err = idx.CFilter(&missing)
	require.ErrorIs(t, err, chain.ErrFilterNotFound)
	require.Equal(t, int32(3), c.fetches.Load())
}

// countingSource counts filter requests and fails for one hash.
type countingSource struct {
	calls atomic.Int32
	fail  chainhash.Hash
}

func (s *countingSource) CFilter(hash *chainhash.Hash) (*gcs.Filter, error) {
	s.calls.Add(1)
	if *hash == s.fail {
		return nil, chain.ErrFilterNotFound
	}
	return gcs.BuildGCSFilter(cfilter.RegularParams.P,
		cfilter.RegularParams.M, cfilter.Key(hash), [][]byte{hash[:]})
}

func TestCachedFilterSource(t *testing.T) {
	src := &countingSource{fail: chainhash.Hash{0xee}}
	cached := chain.NewCachedFilterSource(src, 2)

	a, b, c := chainhash.Hash{1}, chainhash.Hash{2}, chainhash.Hash{3}
	for _, h := range []chainhash.Hash{a, a, b, a} {
		_, err := cached.CFilter(&h)
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), src.calls.Load())
	require.Equal(t, 2, cached.Len())

	// A third filter evicts one of the others.
	_, err := cached.CFilter(&c)
	require.NoError(t, err)
	require.Equal(t, 2, cached.Len())
	require.Equal(t, int32(3), src.calls.Load())

	_, err = cached.CFilter(&src.fail)
	require.ErrorIs(t, err, chain.ErrFilterNotFound)
	_, err = cached.CFilter(&src.fail)
	require.ErrorIs(t, err, chain.ErrFilterNotFound)
	require.Equal(t, int32(5), src.calls.Load(), "failures are not cached")
}

func TestFetchFilters(t *testing.T) {
	src := &countingSource{fail: chainhash.Hash{0xee}}

	hashes := make([]chainhash.Hash, 50)
	for i := range hashes {
		hashes[i] = chainhash.Hash{byte(i), 1}
	}

	filters, err := chain.FetchFilters(context.Background(), src, hashes, 4)
	require.NoError(t, err)
	require.Len(t, filters, len(hashes))
	for i, f := range filters {
		key := cfilter.Key(&hashes[i])
		ok, err := f.Match(key, hashes[i][:])
		require.NoError(t, err)
		require.True(t, ok, "filter %d out of order", i)
	}

	hashes[17] = src.fail
	_, err = chain.FetchFilters(context.Background(), src, hashes, 4)
	require.ErrorIs(t, err, chain.ErrFilterNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = chain.FetchFilters(ctx, src, hashes, 4)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBlockHashes(t *testing.T) {
	c := newChain(t, 5)

	hashes, err := chain.BlockHashes(context.Background(), c, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{
		c.blocks[1].BlockHash(),
		c.blocks[2].BlockHash(),
		c.blocks[3].BlockHash(),
	}, hashes)

	_, err = chain.BlockHashes(context.Background(), c, 4, 2)
	require.Error(t, err)
}

func TestBlockFiltererConfirmBlock(t *testing.T) {
	mine := bytes.Repeat([]byte{0x42}, 20)
	watched := wire.OutPoint{Hash: chainhash.Hash{0x07}, Index: 2}
	block := newBlock(t, 1, mine, &watched)

	var targets prehash.Targets
	require.NoError(t, targets.AddKey(match.Kind20, 5, mine))
	require.NoError(t, targets.AddKey(match.Kind20, 6,
		bytes.Repeat([]byte{0x43}, 20)))
	targets.AddOutPoint(watched)

	// A filter scan reported index 6 as well, as a false positive.
	var index match.MatchIndex
	index.Match.AddIndex(match.Kind20, 5)
	index.Match.AddIndex(match.Kind20, 6)
	index.Match.AddOutPoint(watched)

	bf := chain.NewBlockFilterer(&targets)
	require.True(t, bf.ConfirmBlock(block, &index))

	require.True(t, index.Match.Indices(match.Kind20).Equal(
		match.Set[match.Index]{5: {}}))
	require.True(t, index.Match.OutPoints().Contains(watched))
	require.True(t, index.NoMatch.Indices(match.Kind20).Contains(6))
	require.Len(t, bf.RelevantTxns, 2)

	coinbaseOut := wire.OutPoint{Hash: block.Transactions[0].TxHash()}
	require.Equal(t, chain.KeyRef{Kind: match.Kind20, Index: 5},
		bf.FoundOutPoints[coinbaseOut])
}

func TestBlockFiltererCleanBlock(t *testing.T) {
	block := newBlock(t, 2, bytes.Repeat([]byte{0x01}, 20), nil)

	var targets prehash.Targets
	require.NoError(t, targets.AddKey(match.Kind20, 1,
		bytes.Repeat([]byte{0x02}, 20)))

	var index match.MatchIndex
	index.Match.AddIndex(match.Kind20, 1)

	bf := chain.NewBlockFilterer(&targets)
	require.False(t, bf.ConfirmBlock(block, &index))
	require.True(t, index.Match.Empty())
	require.Equal(t, 1, index.NoMatch.Len(match.Kind20))
	require.Empty(t, bf.RelevantTxns)
}

func TestConcurrentQueueOrder(t *testing.T) {
	q := chain.NewConcurrentQueue[int](2)
	q.Start()
	defer q.Stop()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case got := <-q.ChanOut():
			require.Equal(t, i, got)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for queue")
		}
	}
	wg.Wait()
}
