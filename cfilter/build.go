// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfilter

import (
	"math"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
)

// elementSet accumulates deduplicated filter elements.
type elementSet struct {
	seen  map[string]struct{}
	elems [][]byte
}

func (s *elementSet) add(b []byte) {
	if _, ok := s.seen[string(b)]; ok {
		return
	}
	s.seen[string(b)] = struct{}{}
	s.elems = append(s.elems, b)
}

// addPush adds b if its width is one of the searchable key widths.
func (s *elementSet) addPush(b []byte) {
	if _, ok := match.KindForWidth(len(b)); ok {
		s.add(b)
	}
}

func (s *elementSet) addScript(script []byte) {
	pushes, err := txscript.PushedData(script)
	if err != nil {
		// Non-standard scripts may fail to parse past some opcode;
		// they contribute nothing.
		return
	}
	for _, push := range pushes {
		s.addPush(push)
	}
}

func (s *elementSet) addOutPoint(op *wire.OutPoint) {
	b := match.OutPointBytes(op)
	s.add(b[:])
}

// isCoinBase reports whether tx is a coinbase transaction.
func isCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := &tx.TxIn[0].PreviousOutPoint
	return prev.Index == math.MaxUint32 && prev.Hash == zeroHash
}

var zeroHash chainhash.Hash

// Elements returns the deduplicated members of the element-set filter for
// block: every 20, 32, 33, 64 or 65 byte data push from output scripts,
// signature scripts and witnesses, the outpoints spent by the block, and the
// outpoints created by it.
func Elements(block *wire.MsgBlock) [][]byte {
	s := elementSet{seen: make(map[string]struct{})}

	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		for i, out := range tx.TxOut {
			s.addScript(out.PkScript)

			op := wire.OutPoint{Hash: txHash, Index: uint32(i)}
			s.addOutPoint(&op)
		}

		if isCoinBase(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			s.addOutPoint(&in.PreviousOutPoint)
			s.addScript(in.SignatureScript)
			for _, item := range in.Witness {
				s.addPush(item)
			}
		}
	}

	return s.elems
}

// Build constructs the element-set filter of block.  A block without any
// element yields an empty filter which matches nothing.
func Build(block *wire.MsgBlock, params Params) (*gcs.Filter, error) {
	blockHash := block.BlockHash()
	elems := Elements(block)

	log.Tracef("Building filter for block %v with %d elements",
		blockHash, len(elems))

	if len(elems) == 0 {
		return gcs.FromBytes(0, params.P, params.M, nil)
	}

	return gcs.BuildGCSFilter(params.P, params.M, Key(&blockHash), elems)
}
