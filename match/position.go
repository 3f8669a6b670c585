// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Position identifies a block by height and hash.
type Position struct {
	Height int32
	Hash   chainhash.Hash
}

// NewPosition returns the position of the block with the given hash at
// height.
func NewPosition(height int32, hash *chainhash.Hash) Position {
	return Position{Height: height, Hash: *hash}
}

// Less orders positions by height, then by hash bytes.
func (p Position) Less(o Position) bool {
	if p.Height != o.Height {
		return p.Height < o.Height
	}
	return bytes.Compare(p.Hash[:], o.Hash[:]) < 0
}

// String returns the position as height:hash.
func (p Position) String() string {
	return fmt.Sprintf("%d:%v", p.Height, p.Hash)
}

// SortPositions sorts positions in ascending order.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Less(ps[j]) })
}

// Results maps each scanned block to its match outcome.  All entries are
// inserted before matching begins; matching workers only modify the
// MatchIndex values of the positions assigned to them, so the map itself is
// never mutated concurrently.
type Results map[Position]*MatchIndex

// Positions returns the keys of r in ascending order.
func (r Results) Positions() []Position {
	ps := make([]Position, 0, len(r))
	for p := range r {
		ps = append(ps, p)
	}
	SortPositions(ps)
	return ps
}
