// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package subchain

import "fmt"

// KeyScope represents a restricted key scope from the primary root key
// within the HD chain.  The purpose and coin type are the first two hardened
// derivation steps of every account key.
type KeyScope struct {
	// Purpose is the purpose of this key scope.  This is the first child
	// of the master HD key.
	Purpose uint32

	// Coin is a value that represents the particular coin which is the
	// child of the purpose key.
	Coin uint32
}

var (
	// KeyScopeBIP0044 is the key scope for BIP0044 derivation.
	KeyScopeBIP0044 = KeyScope{Purpose: 44, Coin: 0}

	// KeyScopeBIP0049Plus is the key scope of nested witness keys.
	KeyScopeBIP0049Plus = KeyScope{Purpose: 49, Coin: 0}

	// KeyScopeBIP0084 is the key scope for BIP0084 derivation.
	KeyScopeBIP0084 = KeyScope{Purpose: 84, Coin: 0}

	// KeyScopeBIP0086 is the key scope for BIP0086 derivation.
	KeyScopeBIP0086 = KeyScope{Purpose: 86, Coin: 0}
)

// String returns a human readable version describing the keypath encapsulated
// by the target key scope.
func (k KeyScope) String() string {
	return fmt.Sprintf("m/%v'/%v'", k.Purpose, k.Coin)
}

// Branch is the third, unhardened derivation step below an account key.
type Branch uint32

const (
	// ExternalBranch is the branch of receiving addresses.
	ExternalBranch Branch = 0

	// InternalBranch is the branch of change addresses.
	InternalBranch Branch = 1
)

// String returns the name of the branch.
func (b Branch) String() string {
	switch b {
	case ExternalBranch:
		return "external"
	case InternalBranch:
		return "internal"
	default:
		return fmt.Sprintf("branch %d", uint32(b))
	}
}

// BranchState maintains the required state in order to properly scan a
// branch of an account.  It tracks the highest child index found so far and
// keeps a lookahead window of derived keys beyond it.
type BranchState struct {
	// window defines the key-derivation lookahead used when scanning
	// this branch.
	window uint32

	// horizon records the highest child index watched by this branch.
	horizon uint32

	// nextUnfound maintains the child index of the successor to the
	// highest index found during the scan of this branch.
	nextUnfound uint32

	// invalidChildren records the set of child indexes that derive to
	// invalid keys.
	invalidChildren map[uint32]struct{}
}

// NewBranchState creates a new BranchState that can be used to track either
// the external or internal branch of an account's derivation path.
func NewBranchState(window uint32) *BranchState {
	return &BranchState{
		window:          window,
		invalidChildren: make(map[uint32]struct{}),
	}
}

// ExtendHorizon returns the current horizon and the number of addresses that
// must be derived in order to maintain the desired lookahead window.
func (bs *BranchState) ExtendHorizon() (uint32, uint32) {
	// Compute the new horizon, which should surpass our last found
	// address by the lookahead window.
	curHorizon := bs.horizon

	nInvalid := bs.NumInvalidInHorizon()
	minValidHorizon := bs.nextUnfound + bs.window + nInvalid

	// If the current horizon is sufficient, we will not have to derive
	// any new keys.
	if curHorizon >= minValidHorizon {
		return curHorizon, 0
	}

	// Otherwise, the number of addresses we should derive corresponds to
	// the delta of the two horizons, and we update our new horizon.
	delta := minValidHorizon - curHorizon
	bs.horizon = minValidHorizon

	return curHorizon, delta
}

// ReportFound updates the last found index if the reported index exceeds the
// current value.  It returns whether the value changed.
func (bs *BranchState) ReportFound(index uint32) bool {
	if index < bs.nextUnfound {
		return false
	}
	bs.nextUnfound = index + 1

	// Prune all invalid child indexes that fall below our last found
	// index.  They no longer affect the required lookahead.
	for childIndex := range bs.invalidChildren {
		if childIndex < index {
			delete(bs.invalidChildren, childIndex)
		}
	}
	return true
}

// MarkInvalidChild records that a particular child index leads to an invalid
// key.  The horizon is incremented, as we expect the caller to perform an
// additional derivation to replace the invalid child.
func (bs *BranchState) MarkInvalidChild(index uint32) {
	bs.invalidChildren[index] = struct{}{}
	bs.horizon++
}

// IsInvalid returns whether index was marked as an invalid child.
func (bs *BranchState) IsInvalid(index uint32) bool {
	_, ok := bs.invalidChildren[index]
	return ok
}

// NextUnfound returns the child index of the successor to the highest found
// child index.
func (bs *BranchState) NextUnfound() uint32 {
	return bs.nextUnfound
}

// Horizon returns the highest child index watched, exclusive.
func (bs *BranchState) Horizon() uint32 {
	return bs.horizon
}

// NumInvalidInHorizon computes the number of invalid child indexes that lie
// between the last found and current horizon.  This informs how many
// additional indexes to derive in order to maintain the proper number of
// valid addresses within our horizon.
func (bs *BranchState) NumInvalidInHorizon() uint32 {
	var nInvalid uint32
	for childIndex := range bs.invalidChildren {
		if bs.nextUnfound <= childIndex && childIndex < bs.horizon {
			nInvalid++
		}
	}

	return nInvalid
}
