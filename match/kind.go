// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package match

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Kind identifies the byte-width class of a search target.  The set of kinds
// is closed; new address types map onto one of the existing widths.
type Kind uint8

const (
	// Kind20 is the class of 20 byte elements such as hash160 key hashes.
	Kind20 Kind = iota

	// Kind32 is the class of 32 byte elements such as taproot output keys.
	Kind32

	// Kind33 is the class of 33 byte compressed public keys.
	Kind33

	// Kind64 is the class of 64 byte elements.
	Kind64

	// Kind65 is the class of 65 byte uncompressed public keys.
	Kind65

	// KindOutpoint is the class of serialized transaction outpoints.
	KindOutpoint
)

const (
	// NumKinds is the number of target classes.
	NumKinds = 6

	// NumKeyKinds is the number of classes whose back-references are
	// derivation indices.  They occupy the first NumKeyKinds values of Kind.
	NumKeyKinds = NumKinds - 1

	// OutPointSize is the serialized size of an outpoint element: the
	// 32 byte transaction hash followed by the little-endian output index.
	OutPointSize = chainhash.HashSize + 4
)

// Kinds lists every target class in iteration order.
var Kinds = [NumKinds]Kind{Kind20, Kind32, Kind33, Kind64, Kind65, KindOutpoint}

var kindWidths = [NumKinds]int{20, 32, 33, 64, 65, OutPointSize}

// Width returns the size in bytes of elements of this kind.
func (k Kind) Width() int {
	return kindWidths[k]
}

// IsOutPoint returns whether back-references of this kind are outpoints
// rather than derivation indices.
func (k Kind) IsOutPoint() bool {
	return k == KindOutpoint
}

// String returns a short human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindOutpoint:
		return "outpoint"
	case Kind20, Kind32, Kind33, Kind64, Kind65:
		return fmt.Sprintf("%d", kindWidths[k])
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// KindForWidth returns the key kind for an element width.  Outpoints are
// never returned since a 36 byte push is not an outpoint reference.
func KindForWidth(width int) (Kind, bool) {
	switch width {
	case 20:
		return Kind20, true
	case 32:
		return Kind32, true
	case 33:
		return Kind33, true
	case 64:
		return Kind64, true
	case 65:
		return Kind65, true
	}
	return 0, false
}

// Index is a derivation index back-reference.
type Index uint32

// OutPointBytes returns the element encoding of an outpoint.
func OutPointBytes(op *wire.OutPoint) [OutPointSize]byte {
	var b [OutPointSize]byte
	copy(b[:chainhash.HashSize], op.Hash[:])
	binary.LittleEndian.PutUint32(b[chainhash.HashSize:], op.Index)
	return b
}
