// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prehash

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
)

// KeyTarget is a key-derived element to search for together with the
// derivation index that produced it.
type KeyTarget struct {
	Index match.Index
	Data  []byte
}

// Targets is the search set of one block.  Elements keep their insertion
// order; that order is what prehashed digests refer back to, so a Targets
// value must not be modified once it has been handed to New.
type Targets struct {
	keys      [match.NumKeyKinds][]KeyTarget
	outPoints []wire.OutPoint
}

// AddKey appends a key element of kind k.  The element must have the width
// of its kind.
func (t *Targets) AddKey(k match.Kind, index match.Index, data []byte) error {
	if k.IsOutPoint() {
		return fmt.Errorf("kind %v does not hold key elements", k)
	}
	if len(data) != k.Width() {
		return fmt.Errorf("element for kind %v has width %d", k,
			len(data))
	}
	t.keys[k] = append(t.keys[k], KeyTarget{Index: index, Data: data})
	return nil
}

// AddOutPoint appends an outpoint to watch.
func (t *Targets) AddOutPoint(op wire.OutPoint) {
	t.outPoints = append(t.outPoints, op)
}

// Keys returns the key elements of kind k in insertion order.
func (t *Targets) Keys(k match.Kind) []KeyTarget {
	return t.keys[k]
}

// OutPoints returns the watched outpoints in insertion order.
func (t *Targets) OutPoints() []wire.OutPoint {
	return t.outPoints
}

// Len returns the number of elements of kind k.
func (t *Targets) Len(k match.Kind) int {
	if t == nil {
		return 0
	}
	if k.IsOutPoint() {
		return len(t.outPoints)
	}
	return len(t.keys[k])
}

// Total returns the number of elements of every kind.
func (t *Targets) Total() int {
	var n int
	for _, k := range match.Kinds {
		n += t.Len(k)
	}
	return n
}

// element returns the bytes searched for by the i'th element of kind k.
// Outpoints are encoded into buf.
func (t *Targets) element(k match.Kind, i int, buf *[match.OutPointSize]byte) []byte {
	if k.IsOutPoint() {
		*buf = match.OutPointBytes(&t.outPoints[i])
		return buf[:]
	}
	return t.keys[k][i].Data
}

// classify records the back-reference of the i'th element of kind k in dst.
func (t *Targets) classify(k match.Kind, i int, dst *match.Matches) {
	if k.IsOutPoint() {
		dst.AddOutPoint(t.outPoints[i])
		return
	}
	dst.AddIndex(k, t.keys[k][i].Index)
}

// BlockTarget pairs a block with the targets to search for in it.  Blocks of
// one batch commonly share a single Targets value.
type BlockTarget struct {
	Hash    chainhash.Hash
	Targets *Targets
}
