// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package subchain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
	"github.com/cfscan/cfscan/prehash"
)

// ErrNoTargets is returned when a subchain has nothing to search for.
var ErrNoTargets = errors.New("subchain has no targets")

// derivedKey holds the search elements of one child key.
type derivedKey struct {
	hash160      [20]byte
	taproot      [32]byte
	compressed   [33]byte
	uncompressed [65]byte
}

// Subchain is one branch of an HD account scanned as a unit.  It derives
// the child keys of its branch up to the lookahead horizon of its
// BranchState and turns them, together with the outpoints it watches, into
// the targets matched against block filters.
//
// For every valid child key the subchain searches for its hash160 (P2PKH and
// P2WPKH outputs), its BIP0086 taproot output key, and its compressed and
// uncompressed serializations (inputs and bare multisig).  HD subchains have
// no 64 byte elements.
type Subchain struct {
	Scope   KeyScope
	Account uint32
	Branch  Branch

	branchKey *hdkeychain.ExtendedKey
	state     *BranchState

	mu        sync.Mutex
	keys      []*derivedKey
	outPoints map[wire.OutPoint]struct{}
}

// New returns the subchain of branch below the account extended key, which
// may be public or private, keeping window keys of lookahead.
func New(accountKey *hdkeychain.ExtendedKey, scope KeyScope, account uint32,
	branch Branch, window uint32) (*Subchain, error) {

	pub, err := accountKey.Neuter()
	if err != nil {
		return nil, err
	}
	branchKey, err := pub.Derive(uint32(branch))
	if err != nil {
		return nil, fmt.Errorf("unable to derive %v branch: %w", branch,
			err)
	}

	return &Subchain{
		Scope:     scope,
		Account:   account,
		Branch:    branch,
		branchKey: branchKey,
		state:     NewBranchState(window),
		outPoints: make(map[wire.OutPoint]struct{}),
	}, nil
}

// Name returns the derivation path of the subchain.
func (s *Subchain) Name() string {
	return fmt.Sprintf("%v/%d'/%d", s.Scope, s.Account, uint32(s.Branch))
}

// State returns the lookahead state of the subchain.
func (s *Subchain) State() *BranchState {
	return s.state
}

// Extend derives the keys needed to restore the lookahead window beyond the
// highest found index and returns how many were derived.  Children that
// derive to invalid keys are skipped.
func (s *Subchain) Extend() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	curHorizon, delta := s.state.ExtendHorizon()
	if delta == 0 {
		return 0, nil
	}

	var derived int
	for i := curHorizon; i < s.state.Horizon(); i++ {
		key, err := s.derive(i)
		switch {
		case errors.Is(err, hdkeychain.ErrInvalidChild):
			log.Debugf("%s: child %d is invalid, skipping", s.Name(), i)
			s.state.MarkInvalidChild(i)
			s.setKey(i, nil)
			continue
		case err != nil:
			return derived, err
		}
		s.setKey(i, key)
		derived++
	}

	log.Debugf("%s: derived %d keys, horizon %d", s.Name(), derived,
		s.state.Horizon())
	return derived, nil
}

func (s *Subchain) setKey(i uint32, key *derivedKey) {
	for uint32(len(s.keys)) <= i {
		s.keys = append(s.keys, nil)
	}
	s.keys[i] = key
}

// derive computes the search elements of child i.
func (s *Subchain) derive(i uint32) (*derivedKey, error) {
	child, err := s.branchKey.Derive(i)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	var key derivedKey
	copy(key.compressed[:], pub.SerializeCompressed())
	copy(key.uncompressed[:], pub.SerializeUncompressed())
	copy(key.hash160[:], btcutil.Hash160(key.compressed[:]))

	outputKey := txscript.ComputeTaprootKeyNoScript(pub)
	copy(key.taproot[:], schnorr.SerializePubKey(outputKey))
	return &key, nil
}

// WatchOutPoint adds an outpoint to search for.  It returns false when the
// outpoint was already watched.
func (s *Subchain) WatchOutPoint(op wire.OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outPoints[op]; ok {
		return false
	}
	s.outPoints[op] = struct{}{}
	return true
}

// Targets returns the current search set of the subchain.  ErrNoTargets is
// returned when nothing has been derived or watched yet.
func (s *Subchain) Targets() (*prehash.Targets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t prehash.Targets
	for i, key := range s.keys {
		if key == nil {
			continue
		}
		index := match.Index(i)
		elems := [...]struct {
			kind match.Kind
			data []byte
		}{
			{match.Kind20, key.hash160[:]},
			{match.Kind32, key.taproot[:]},
			{match.Kind33, key.compressed[:]},
			{match.Kind65, key.uncompressed[:]},
		}
		for _, e := range elems {
			if err := t.AddKey(e.kind, index, e.data); err != nil {
				return nil, err
			}
		}
	}
	for op := range s.outPoints {
		t.AddOutPoint(op)
	}

	if t.Total() == 0 {
		return nil, ErrNoTargets
	}
	return &t, nil
}

// ReportFound records the derivation indices of m as used.  It returns
// whether the highest found index advanced, which means the lookahead window
// has to be extended.
func (s *Subchain) ReportFound(m *match.Matches) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var advanced bool
	for _, k := range match.Kinds {
		if k.IsOutPoint() {
			continue
		}
		for index := range m.Indices(k) {
			if s.state.ReportFound(uint32(index)) {
				advanced = true
			}
		}
	}
	return advanced
}
