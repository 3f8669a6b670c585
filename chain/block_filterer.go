// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
	"github.com/cfscan/cfscan/prehash"
)

// KeyRef identifies a key element by kind and derivation index.
type KeyRef struct {
	Kind  match.Kind
	Index match.Index
}

// BlockFilterer is used to iteratively scan blocks for a set of targets of
// interest.  This is done by constructing a reverse index mapping each key
// element to the derivation indices that produced it, which allows matches
// found in a block to be reported as indices.
//
// Unlike a filter match, a BlockFilterer only reports elements that really
// occur in the block, so it is used to confirm the blocks a filter scan
// classified as dirty.  Once initialized, a BlockFilterer can be used to
// scan any number of blocks; found matches accumulate.
type BlockFilterer struct {
	// reverse maps the raw bytes of a key element to every derivation
	// index that produced them.
	reverse map[string][]KeyRef

	// WatchedOutPoints is the set of outpoints being watched.
	WatchedOutPoints map[wire.OutPoint]struct{}

	// Found records the targets found in the scanned blocks.
	Found match.Matches

	// FoundOutPoints is the set of outpoints found in the scanned blocks
	// whose output script carries a key element, together with the
	// element that was found.
	FoundOutPoints map[wire.OutPoint]KeyRef

	// RelevantTxns records the transactions found in the scanned blocks
	// that contain a target.
	RelevantTxns []*wire.MsgTx
}

// NewBlockFilterer constructs the reverse index for targets.
func NewBlockFilterer(targets *prehash.Targets) *BlockFilterer {
	reverse := make(map[string][]KeyRef)
	watched := make(map[wire.OutPoint]struct{})
	for _, k := range match.Kinds {
		if k.IsOutPoint() {
			for _, op := range targets.OutPoints() {
				watched[op] = struct{}{}
			}
			continue
		}
		for _, kt := range targets.Keys(k) {
			key := string(kt.Data)
			reverse[key] = append(reverse[key], KeyRef{
				Kind:  k,
				Index: kt.Index,
			})
		}
	}

	return &BlockFilterer{
		reverse:          reverse,
		WatchedOutPoints: watched,
		FoundOutPoints:   make(map[wire.OutPoint]KeyRef),
	}
}

// FilterBlock parses all txns in the provided block, searching for any that
// contain targets of interest.  It returns true if the block contains at
// least one relevant transaction.
func (bf *BlockFilterer) FilterBlock(block *wire.MsgBlock) bool {
	var hasRelevantTxns bool
	for _, tx := range block.Transactions {
		if bf.FilterTx(tx) {
			bf.RelevantTxns = append(bf.RelevantTxns, tx)
			hasRelevantTxns = true
		}
	}

	return hasRelevantTxns
}

// FilterTx scans the inputs and outputs of tx for targets of interest and
// returns true if any was found.
func (bf *BlockFilterer) FilterTx(tx *wire.MsgTx) bool {
	var isRelevant bool

	// First, check the inputs to this transaction to see if they spend
	// any watched outpoints.  In addition to checking WatchedOutPoints,
	// we also check FoundOutPoints, in case a txn spends from an outpoint
	// created in the same block.
	for _, in := range tx.TxIn {
		if _, ok := bf.WatchedOutPoints[in.PreviousOutPoint]; ok {
			bf.Found.AddOutPoint(in.PreviousOutPoint)
			isRelevant = true
		}
		if _, ok := bf.FoundOutPoints[in.PreviousOutPoint]; ok {
			isRelevant = true
		}

		if bf.filterScript(in.SignatureScript) {
			isRelevant = true
		}
		for _, item := range in.Witness {
			if _, ok := bf.filterPush(item); ok {
				isRelevant = true
			}
		}
	}

	// Now, parse all the outputs created by this transaction and see if
	// they carry any element in our reverse index.  If a new output is
	// found, we add its outpoint to FoundOutPoints.
	txHash := tx.TxHash()
	for i, out := range tx.TxOut {
		outPoint := wire.OutPoint{Hash: txHash, Index: uint32(i)}
		if _, ok := bf.WatchedOutPoints[outPoint]; ok {
			bf.Found.AddOutPoint(outPoint)
			isRelevant = true
		}

		pushes, err := txscript.PushedData(out.PkScript)
		if err != nil {
			log.Tracef("Could not parse output script in %v: %v",
				outPoint, err)
		}
		for _, push := range pushes {
			ref, ok := bf.filterPush(push)
			if !ok {
				continue
			}
			isRelevant = true
			if _, ok := bf.FoundOutPoints[outPoint]; !ok {
				bf.FoundOutPoints[outPoint] = ref
			}
		}
	}

	return isRelevant
}

// filterScript tests every data push of script against the reverse index.
// Scripts that fail to parse are tested up to the failing opcode.
func (bf *BlockFilterer) filterScript(script []byte) bool {
	var isRelevant bool
	pushes, _ := txscript.PushedData(script)
	for _, push := range pushes {
		if _, ok := bf.filterPush(push); ok {
			isRelevant = true
		}
	}
	return isRelevant
}

// filterPush marks every derivation index that produced data as found and
// returns the first of them.
func (bf *BlockFilterer) filterPush(data []byte) (KeyRef, bool) {
	if _, ok := match.KindForWidth(len(data)); !ok {
		return KeyRef{}, false
	}
	refs, ok := bf.reverse[string(data)]
	if !ok {
		return KeyRef{}, false
	}
	for _, ref := range refs {
		bf.Found.AddIndex(ref.Kind, ref.Index)
	}
	return refs[0], true
}

// ConfirmBlock filters block and narrows the matched partition of index to
// the targets that really occur in it.  Targets a filter reported as members
// but that are absent from the block are moved to the unmatched partition.
// It returns whether any confirmed match remains.
func (bf *BlockFilterer) ConfirmBlock(block *wire.MsgBlock,
	index *match.MatchIndex) bool {

	bf.FilterBlock(block)

	var confirmed, rejected match.Matches
	for _, k := range match.Kinds {
		if k.IsOutPoint() {
			found := bf.Found.OutPoints()
			for op := range index.Match.OutPoints() {
				if found.Contains(op) {
					confirmed.AddOutPoint(op)
				} else {
					rejected.AddOutPoint(op)
				}
			}
			continue
		}

		found := bf.Found.Indices(k)
		for i := range index.Match.Indices(k) {
			if found.Contains(i) {
				confirmed.AddIndex(k, i)
			} else {
				rejected.AddIndex(k, i)
			}
		}
	}

	if !rejected.Empty() {
		log.Debugf("Rejected %d false positive matches: %v",
			rejected.Total(), &rejected)
	}

	index.Match = confirmed
	index.NoMatch.Merge(&rejected)
	return !confirmed.Empty()
}
