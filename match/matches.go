// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Matches holds deduplicated back-references for every target kind.  The
// zero value is an empty, ready to use container.
type Matches struct {
	indices   [NumKeyKinds]Set[Index]
	outPoints Set[wire.OutPoint]
}

// Indices returns the derivation index set for a key kind.  The returned set
// must not be modified and may be nil when empty.
func (m *Matches) Indices(k Kind) Set[Index] {
	if k.IsOutPoint() {
		panic(fmt.Sprintf("match: kind %v has no index set", k))
	}
	return m.indices[k]
}

// OutPoints returns the outpoint set.  The returned set must not be modified
// and may be nil when empty.
func (m *Matches) OutPoints() Set[wire.OutPoint] {
	return m.outPoints
}

// AddIndex records a derivation index under the key kind k.
func (m *Matches) AddIndex(k Kind, index Index) {
	if k.IsOutPoint() {
		panic(fmt.Sprintf("match: kind %v has no index set", k))
	}
	if m.indices[k] == nil {
		m.indices[k] = make(Set[Index])
	}
	m.indices[k].Add(index)
}

// AddOutPoint records an outpoint back-reference.
func (m *Matches) AddOutPoint(op wire.OutPoint) {
	if m.outPoints == nil {
		m.outPoints = make(Set[wire.OutPoint])
	}
	m.outPoints.Add(op)
}

// Len returns the number of back-references recorded for kind k.
func (m *Matches) Len(k Kind) int {
	if k.IsOutPoint() {
		return len(m.outPoints)
	}
	return len(m.indices[k])
}

// Total returns the number of back-references across all kinds.
func (m *Matches) Total() int {
	var n int
	for _, k := range Kinds {
		n += m.Len(k)
	}
	return n
}

// Empty returns whether no back-reference of any kind is recorded.
func (m *Matches) Empty() bool {
	return m.Total() == 0
}

// Merge moves every back-reference of rhs into m.  Afterwards rhs is empty
// but remains usable.  Merging content that is already present is a no-op.
func (m *Matches) Merge(rhs *Matches) {
	if rhs == nil || m == rhs {
		return
	}
	for i := range m.indices {
		m.indices[i] = mergeSet(m.indices[i], rhs.indices[i])
		rhs.indices[i] = nil
	}
	m.outPoints = mergeSet(m.outPoints, rhs.outPoints)
	rhs.outPoints = nil
}

// Clone returns a deep copy of m.
func (m *Matches) Clone() Matches {
	var c Matches
	for i := range m.indices {
		c.indices[i] = m.indices[i].Clone()
	}
	c.outPoints = m.outPoints.Clone()
	return c
}

// Equal returns whether m and o hold the same back-references for every
// kind.
func (m *Matches) Equal(o *Matches) bool {
	for i := range m.indices {
		if !m.indices[i].Equal(o.indices[i]) {
			return false
		}
	}
	return m.outPoints.Equal(o.outPoints)
}

// String summarizes the per-kind counts.
func (m *Matches) String() string {
	return fmt.Sprintf("20:%d 32:%d 33:%d 64:%d 65:%d outpoint:%d",
		m.Len(Kind20), m.Len(Kind32), m.Len(Kind33), m.Len(Kind64),
		m.Len(Kind65), m.Len(KindOutpoint))
}

// MatchIndex is the outcome of testing one block's filter against that
// block's targets.  Every target is classified into exactly one of the two
// partitions by a single match pass.
type MatchIndex struct {
	// NoMatch holds the targets confirmed absent from the filter.
	NoMatch Matches

	// Match holds the targets whose hash was found in the filter.
	Match Matches
}

// Merge merges both partitions of rhs into mi independently.  Callers must
// only merge results for a block once per scan pass; no check is made that a
// back-reference ends up in a single partition.
func (mi *MatchIndex) Merge(rhs *MatchIndex) {
	if rhs == nil || mi == rhs {
		return
	}
	mi.NoMatch.Merge(&rhs.NoMatch)
	mi.Match.Merge(&rhs.Match)
}

// Dirty returns whether any target matched.
func (mi *MatchIndex) Dirty() bool {
	return !mi.Match.Empty()
}
