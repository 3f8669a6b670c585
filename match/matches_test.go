// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match_test

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func outPoint(b byte, index uint32) wire.OutPoint {
	var hash chainhash.Hash
	hash[0] = b
	return wire.OutPoint{Hash: hash, Index: index}
}

// workerA and workerB build two partially overlapping result sets as two
// matching workers would.
func workerA() match.Matches {
	var m match.Matches
	m.AddIndex(match.Kind20, 1)
	m.AddIndex(match.Kind20, 2)
	m.AddIndex(match.Kind33, 7)
	m.AddOutPoint(outPoint(1, 0))
	return m
}

func workerB() match.Matches {
	var m match.Matches
	m.AddIndex(match.Kind20, 2)
	m.AddIndex(match.Kind32, 3)
	m.AddIndex(match.Kind65, 9)
	m.AddOutPoint(outPoint(1, 0))
	m.AddOutPoint(outPoint(2, 5))
	return m
}

func TestKindWidths(t *testing.T) {
	widths := []int{20, 32, 33, 64, 65, 36}
	for i, k := range match.Kinds {
		require.Equal(t, widths[i], k.Width(), "kind %v", k)
		if k.IsOutPoint() {
			continue
		}
		got, ok := match.KindForWidth(k.Width())
		require.True(t, ok)
		require.Equal(t, k, got)
	}

	_, ok := match.KindForWidth(36)
	require.False(t, ok, "outpoints must not be inferred from push width")
}

func TestOutPointBytes(t *testing.T) {
	op := outPoint(0xaa, 0x01020304)
	b := match.OutPointBytes(&op)
	require.Equal(t, byte(0xaa), b[0])
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[32:])
}

func TestMatchesMergeMovesContent(t *testing.T) {
	dst := workerA()
	src := workerB()

	dst.Merge(&src)

	require.True(t, src.Empty(), "merged source must be emptied")
	require.Equal(t, 2, dst.Len(match.Kind20))
	require.Equal(t, 1, dst.Len(match.Kind32))
	require.Equal(t, 1, dst.Len(match.Kind33))
	require.Equal(t, 0, dst.Len(match.Kind64))
	require.Equal(t, 1, dst.Len(match.Kind65))
	require.Equal(t, 2, dst.Len(match.KindOutpoint))

	// The emptied source is still usable.
	src.AddIndex(match.Kind64, 4)
	require.Equal(t, 1, src.Len(match.Kind64))
}

func TestMatchesMergeIntoEmptyCopies(t *testing.T) {
	src := workerB()
	alias := src

	var dst match.Matches
	dst.Merge(&src)
	require.True(t, src.Empty())

	// A copy of the source taken before the merge shares its sets and
	// must not see later additions to the destination.
	dst.AddIndex(match.Kind20, 42)
	dst.AddOutPoint(outPoint(3, 1))
	require.Equal(t, 1, alias.Len(match.Kind20), spew.Sdump(alias))
	require.False(t, alias.Indices(match.Kind20).Contains(42))
	require.Equal(t, 2, alias.Len(match.KindOutpoint))
	require.False(t, alias.OutPoints().Contains(outPoint(3, 1)))

	want := workerB()
	want.AddIndex(match.Kind20, 42)
	want.AddOutPoint(outPoint(3, 1))
	require.True(t, dst.Equal(&want), spew.Sdump(dst))
}

func TestMatchesMergeIdempotent(t *testing.T) {
	src := workerB()

	once := workerA()
	c := src.Clone()
	once.Merge(&c)

	twice := workerA()
	c1, c2 := src.Clone(), src.Clone()
	twice.Merge(&c1)
	twice.Merge(&c2)

	require.True(t, once.Equal(&twice), "once: %v\ntwice: %v",
		spew.Sdump(once), spew.Sdump(twice))

	// Merging a container into itself changes nothing.
	self := workerA()
	before := self.Clone()
	self.Merge(&self)
	require.True(t, before.Equal(&self))
}

func TestMatchesMergeCommutative(t *testing.T) {
	var ab, ba match.Matches

	a, b := workerA(), workerB()
	ab.Merge(&a)
	ab.Merge(&b)

	a, b = workerA(), workerB()
	ba.Merge(&b)
	ba.Merge(&a)

	require.True(t, ab.Equal(&ba), "ab: %v\nba: %v", ab.String(), ba.String())
}

func TestMatchesOutpointKindHasNoIndices(t *testing.T) {
	var m match.Matches
	require.Panics(t, func() { m.AddIndex(match.KindOutpoint, 1) })
	require.Panics(t, func() { m.Indices(match.KindOutpoint) })
}

func TestMatchIndexMerge(t *testing.T) {
	var dst, src match.MatchIndex
	dst.Match.AddIndex(match.Kind20, 1)
	dst.NoMatch.AddIndex(match.Kind20, 2)
	src.Match.AddOutPoint(outPoint(3, 1))
	src.NoMatch.AddIndex(match.Kind32, 8)

	dst.Merge(&src)

	require.True(t, dst.Dirty())
	require.True(t, dst.Match.Indices(match.Kind20).Contains(1))
	require.True(t, dst.Match.OutPoints().Contains(outPoint(3, 1)))
	require.True(t, dst.NoMatch.Indices(match.Kind20).Contains(2))
	require.True(t, dst.NoMatch.Indices(match.Kind32).Contains(8))
	require.False(t, src.Dirty())
}

func TestSyncedCacheConcurrentModify(t *testing.T) {
	shared := match.NewSyncedCache()

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			local := match.NewCache()
			for h := w; h < 64; h += workers {
				var hash chainhash.Hash
				hash[0] = byte(h)
				pos := match.NewPosition(int32(h), &hash)
				if h%3 == 0 {
					local.Dirty.Add(pos)
				} else {
					local.Clean.Add(pos)
				}
				local.Sizes[int32(h)] = uint32(h * 10)
			}
			shared.Modify(func(c *match.Cache) { c.Merge(&local) })
		}(w)
	}
	wg.Wait()

	snap := shared.Snapshot()
	require.Equal(t, 64, snap.Clean.Len()+snap.Dirty.Len())
	require.Equal(t, 22, snap.Dirty.Len())
	require.Len(t, snap.Sizes, 64)
	require.Equal(t, uint32(630), snap.Sizes[63])
}

func TestResultsPositionsSorted(t *testing.T) {
	results := make(match.Results)
	for _, h := range []int32{5, 1, 3} {
		var hash chainhash.Hash
		hash[1] = byte(h)
		results[match.NewPosition(h, &hash)] = new(match.MatchIndex)
	}

	ps := results.Positions()
	require.Len(t, ps, 3)
	require.Equal(t, int32(1), ps[0].Height)
	require.Equal(t, int32(3), ps[1].Height)
	require.Equal(t, int32(5), ps[2].Height)
}
