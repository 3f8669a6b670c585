// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scandb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/cfscan/cfscan/match"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: the namespace bucket of one store
//   b:  the primary bucket being operated on
//   k:  a single bucket key
//   v:  a single bucket value
//
// Functions use the naming scheme `op[Raw]Type[Field]`, as in wtxmgr.  The
// operations are key, value, put, fetch, read and delete.

// Big endian is the preferred byte order so that cursors iterate heights in
// order.
var byteOrder = binary.BigEndian

// This package assumes chainhash.Hash is always 32 bytes wide.
var _ [32]byte = chainhash.Hash{}

// Bucket names.
var (
	bucketBlocks   = []byte("b")
	bucketMatches  = []byte("m")
	bucketCFilters = []byte("f")
	bucketFound    = []byte("o")
)

// Namespace bucket keys.
var (
	rootVersion  = []byte("vers")
	rootSyncedTo = []byte("sync")
)

// latestVersion is the current version of the store layout.
const latestVersion uint32 = 1

// ErrNotFound is returned when a requested record is not in the store.
var ErrNotFound = errors.New("scandb: record not found")

// ErrData is returned when a stored record cannot be decoded.
var ErrData = errors.New("scandb: malformed record")

// Status is the persisted classification of a scanned block.
type Status byte

const (
	// StatusClean means no target matched the block's filter.
	StatusClean Status = iota

	// StatusDirty means at least one target matched the block's filter.
	StatusDirty
)

// String returns a human readable status.
func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusDirty:
		return "dirty"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// The position key is:
//
//   [0:4]  block height (4 bytes, big endian)
//   [4:36] block hash (32 bytes)
const positionKeySize = 36

func keyPosition(pos match.Position) []byte {
	k := make([]byte, positionKeySize)
	byteOrder.PutUint32(k[0:4], uint32(pos.Height))
	copy(k[4:36], pos.Hash[:])
	return k
}

func readRawPosition(k []byte, pos *match.Position) error {
	if len(k) != positionKeySize {
		return fmt.Errorf("%w: position key has %d bytes", ErrData,
			len(k))
	}
	pos.Height = int32(byteOrder.Uint32(k[0:4]))
	copy(pos.Hash[:], k[4:36])
	return nil
}

// The block record is:
//
//   [0]   status (1 byte)
//   [1:5] filter element count (4 bytes)
const blockRecordSize = 5

func valueBlockRecord(status Status, size uint32) []byte {
	v := make([]byte, blockRecordSize)
	v[0] = byte(status)
	byteOrder.PutUint32(v[1:5], size)
	return v
}

func readRawBlockRecord(v []byte) (Status, uint32, error) {
	if len(v) != blockRecordSize {
		return 0, 0, fmt.Errorf("%w: block record has %d bytes",
			ErrData, len(v))
	}
	return Status(v[0]), byteOrder.Uint32(v[1:5]), nil
}

func putBlockRecord(ns walletdb.ReadWriteBucket, pos match.Position,
	status Status, size uint32) error {

	err := ns.NestedReadWriteBucket(bucketBlocks).Put(keyPosition(pos),
		valueBlockRecord(status, size))
	if err != nil {
		return fmt.Errorf("failed to put block %v: %w", pos, err)
	}
	return nil
}

// The matches record is, for each key kind in order, a 4 byte count followed
// by that many 4 byte indices, then a 4 byte outpoint count followed by that
// many 36 byte outpoints.
func valueMatches(m *match.Matches) []byte {
	size := 4 * match.NumKinds
	for _, k := range match.Kinds {
		if k.IsOutPoint() {
			size += m.Len(k) * match.OutPointSize
		} else {
			size += m.Len(k) * 4
		}
	}

	v := make([]byte, 0, size)
	for _, k := range match.Kinds {
		v = byteOrder.AppendUint32(v, uint32(m.Len(k)))
		if k.IsOutPoint() {
			for op := range m.OutPoints() {
				b := match.OutPointBytes(&op)
				v = append(v, b[:]...)
			}
			continue
		}
		for index := range m.Indices(k) {
			v = byteOrder.AppendUint32(v, uint32(index))
		}
	}
	return v
}

func readRawMatches(v []byte, m *match.Matches) error {
	for _, k := range match.Kinds {
		if len(v) < 4 {
			return fmt.Errorf("%w: short matches record", ErrData)
		}
		n := int(byteOrder.Uint32(v))
		v = v[4:]

		width := 4
		if k.IsOutPoint() {
			width = match.OutPointSize
		}
		if len(v) < n*width {
			return fmt.Errorf("%w: matches record truncated in "+
				"kind %v", ErrData, k)
		}
		for i := 0; i < n; i++ {
			if k.IsOutPoint() {
				var op wire.OutPoint
				copy(op.Hash[:], v[:32])
				op.Index = binary.LittleEndian.Uint32(v[32:36])
				m.AddOutPoint(op)
			} else {
				m.AddIndex(k, match.Index(byteOrder.Uint32(v)))
			}
			v = v[width:]
		}
	}
	if len(v) != 0 {
		return fmt.Errorf("%w: %d trailing bytes in matches record",
			ErrData, len(v))
	}
	return nil
}

func putMatches(ns walletdb.ReadWriteBucket, pos match.Position,
	m *match.Matches) error {

	b := ns.NestedReadWriteBucket(bucketMatches)
	k := keyPosition(pos)
	if m.Empty() {
		return b.Delete(k)
	}
	if err := b.Put(k, valueMatches(m)); err != nil {
		return fmt.Errorf("failed to put matches of %v: %w", pos, err)
	}
	return nil
}

func fetchMatches(ns walletdb.ReadBucket, pos match.Position) (match.Matches,
	error) {

	var m match.Matches
	v := ns.NestedReadBucket(bucketMatches).Get(keyPosition(pos))
	if v == nil {
		return m, nil
	}
	err := readRawMatches(v, &m)
	return m, err
}

// The found outpoints record of a block is a sequence of 36 byte outpoints
// created by the block and paying to the scanned keys.
func valueOutPoints(ops []wire.OutPoint) []byte {
	v := make([]byte, 0, len(ops)*match.OutPointSize)
	for i := range ops {
		b := match.OutPointBytes(&ops[i])
		v = append(v, b[:]...)
	}
	return v
}

func readRawOutPoints(v []byte) ([]wire.OutPoint, error) {
	if len(v)%match.OutPointSize != 0 {
		return nil, fmt.Errorf("%w: found outpoints record of %d bytes",
			ErrData, len(v))
	}
	ops := make([]wire.OutPoint, 0, len(v)/match.OutPointSize)
	for ; len(v) > 0; v = v[match.OutPointSize:] {
		var op wire.OutPoint
		copy(op.Hash[:], v[:32])
		op.Index = binary.LittleEndian.Uint32(v[32:36])
		ops = append(ops, op)
	}
	return ops, nil
}

// The synced-to record is the position key of the last block whose scan
// results were committed.
func fetchSyncedTo(ns walletdb.ReadBucket) (match.Position, error) {
	var pos match.Position
	v := ns.Get(rootSyncedTo)
	if v == nil {
		return pos, ErrNotFound
	}
	err := readRawPosition(v, &pos)
	return pos, err
}

func putSyncedTo(ns walletdb.ReadWriteBucket, pos match.Position) error {
	if err := ns.Put(rootSyncedTo, keyPosition(pos)); err != nil {
		return fmt.Errorf("failed to put synced-to position: %w", err)
	}
	return nil
}

func fetchVersion(ns walletdb.ReadBucket) (uint32, bool) {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return 0, false
	}
	return byteOrder.Uint32(v), true
}

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	return ns.Put(rootVersion, byteOrder.AppendUint32(nil, version))
}
