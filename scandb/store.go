// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scandb persists the outcome of compact filter scans in a walletdb
// namespace: the clean or dirty status and filter size of every scanned
// block, the targets that matched each dirty block, the outpoints found
// paying to the scanned keys, locally built filters, and the position the
// scan has been committed up to.
package scandb

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/match"
)

// Store is a scan result store kept in one top-level walletdb bucket.
type Store struct {
	db   walletdb.DB
	name []byte
}

// Open returns the store kept under the namespace name of db, creating it
// when it does not exist yet.
func Open(db walletdb.DB, name string) (*Store, error) {
	s := &Store{db: db, name: []byte(name)}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(s.name)
		if ns == nil {
			var err error
			ns, err = tx.CreateTopLevelBucket(s.name)
			if err != nil {
				return fmt.Errorf("failed to create namespace "+
					"%q: %w", name, err)
			}
			log.Infof("Created scan store %q", name)
		}

		version, ok := fetchVersion(ns)
		switch {
		case !ok:
			if err := putVersion(ns, latestVersion); err != nil {
				return err
			}
		case version > latestVersion:
			return fmt.Errorf("scan store %q has unknown version "+
				"%d", name, version)
		}

		for _, b := range [][]byte{bucketBlocks, bucketMatches,
			bucketCFilters, bucketFound} {

			if _, err := ns.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket "+
					"%q: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Drop deletes the namespace name and everything stored in it.  Dropping a
// namespace that does not exist is not an error.
func Drop(db walletdb.DB, name string) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		err := tx.DeleteTopLevelBucket([]byte(name))
		if err != nil && !errors.Is(err, walletdb.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop namespace %q: %w",
				name, err)
		}
		return nil
	})
}

// Drop deletes everything the store holds.  The store must not be used
// afterwards.
func (s *Store) Drop() error {
	return Drop(s.db, string(s.name))
}

func (s *Store) view(f func(ns walletdb.ReadBucket) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(s.name)
		if ns == nil {
			return fmt.Errorf("namespace %q: %w", s.name, ErrNotFound)
		}
		return f(ns)
	})
}

func (s *Store) update(f func(ns walletdb.ReadWriteBucket) error) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(s.name)
		if ns == nil {
			return fmt.Errorf("namespace %q: %w", s.name, ErrNotFound)
		}
		return f(ns)
	})
}

// PutBatch records the outcome of a scan batch in a single transaction.
// Every position of cache is stored with its status and filter size.  The
// matched partition of a dirty block's entry in results replaces any
// matches stored for it before; a clean block has its stored matches
// removed.
func (s *Store) PutBatch(results match.Results, cache match.Cache) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		for pos := range cache.Clean {
			err := putBlockRecord(ns, pos, StatusClean,
				cache.Sizes[pos.Height])
			if err != nil {
				return err
			}
			if err := putMatches(ns, pos, &match.Matches{}); err != nil {
				return err
			}
		}

		for pos := range cache.Dirty {
			err := putBlockRecord(ns, pos, StatusDirty,
				cache.Sizes[pos.Height])
			if err != nil {
				return err
			}

			var m match.Matches
			if index := results[pos]; index != nil {
				m = index.Match
			}
			if err := putMatches(ns, pos, &m); err != nil {
				return err
			}
		}

		log.Debugf("Stored %d clean and %d dirty blocks in %q",
			cache.Clean.Len(), cache.Dirty.Len(), s.name)
		return nil
	})
}

// Status returns the stored classification and filter size of the block at
// pos.  ErrNotFound is returned for blocks that have not been scanned.
func (s *Store) Status(pos match.Position) (Status, uint32, error) {
	var (
		status Status
		size   uint32
	)
	err := s.view(func(ns walletdb.ReadBucket) error {
		v := ns.NestedReadBucket(bucketBlocks).Get(keyPosition(pos))
		if v == nil {
			return fmt.Errorf("block %v: %w", pos, ErrNotFound)
		}
		var err error
		status, size, err = readRawBlockRecord(v)
		return err
	})
	return status, size, err
}

// MatchedIndices returns the targets that matched the block at pos.  A
// block without stored matches yields empty Matches.
func (s *Store) MatchedIndices(pos match.Position) (match.Matches, error) {
	var m match.Matches
	err := s.view(func(ns walletdb.ReadBucket) error {
		var err error
		m, err = fetchMatches(ns, pos)
		return err
	})
	return m, err
}

// ForEachDirty calls fn with every dirty block and its stored matches in
// ascending height order.  Iteration stops at the first error returned by
// fn.
func (s *Store) ForEachDirty(fn func(pos match.Position, m *match.Matches) error) error {
	return s.view(func(ns walletdb.ReadBucket) error {
		return ns.NestedReadBucket(bucketBlocks).ForEach(func(k, v []byte) error {
			status, _, err := readRawBlockRecord(v)
			if err != nil {
				return err
			}
			if status != StatusDirty {
				return nil
			}

			var pos match.Position
			if err := readRawPosition(k, &pos); err != nil {
				return err
			}
			m, err := fetchMatches(ns, pos)
			if err != nil {
				return err
			}
			return fn(pos, &m)
		})
	})
}

// PutFoundOutPoints records, per block, the outpoints created in it that pay
// to the scanned keys.  They replace what was stored for the block before.
func (s *Store) PutFoundOutPoints(found map[match.Position][]wire.OutPoint) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		b := ns.NestedReadWriteBucket(bucketFound)
		for pos, ops := range found {
			k := keyPosition(pos)
			if len(ops) == 0 {
				if err := b.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(k, valueOutPoints(ops)); err != nil {
				return fmt.Errorf("failed to put found outpoints "+
					"of %v: %w", pos, err)
			}
		}
		return nil
	})
}

// ForEachFoundOutPoint calls fn with every stored found outpoint and the
// block that created it, in ascending height order.
func (s *Store) ForEachFoundOutPoint(fn func(pos match.Position, op wire.OutPoint) error) error {
	return s.view(func(ns walletdb.ReadBucket) error {
		return ns.NestedReadBucket(bucketFound).ForEach(func(k, v []byte) error {
			var pos match.Position
			if err := readRawPosition(k, &pos); err != nil {
				return err
			}
			ops, err := readRawOutPoints(v)
			if err != nil {
				return err
			}
			for _, op := range ops {
				if err := fn(pos, op); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// PutCFilter stores the element-set filter of a block.
func (s *Store) PutCFilter(hash *chainhash.Hash, filter *gcs.Filter) error {
	v, err := filter.NBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize filter of block %v: %w",
			hash, err)
	}
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		b := ns.NestedReadWriteBucket(bucketCFilters)
		if err := b.Put(hash[:], v); err != nil {
			return fmt.Errorf("failed to put filter of block "+
				"%v: %w", hash, err)
		}
		return nil
	})
}

// CFilter returns the stored element-set filter of a block.  ErrNotFound is
// returned when none was stored.
func (s *Store) CFilter(hash *chainhash.Hash) (*gcs.Filter, error) {
	var filter *gcs.Filter
	err := s.view(func(ns walletdb.ReadBucket) error {
		v := ns.NestedReadBucket(bucketCFilters).Get(hash[:])
		if v == nil {
			return fmt.Errorf("filter of block %v: %w", hash,
				ErrNotFound)
		}
		// The value is only valid during the transaction.
		data := make([]byte, len(v))
		copy(data, v)

		var err error
		filter, err = cfilter.FromNBytes(cfilter.RegularParams, data)
		if err != nil {
			return fmt.Errorf("%w: filter of block %v: %v",
				ErrData, hash, err)
		}
		return nil
	})
	return filter, err
}

// SyncedTo returns the position of the last committed block.  ErrNotFound
// is returned when nothing was committed yet.
func (s *Store) SyncedTo() (match.Position, error) {
	var pos match.Position
	err := s.view(func(ns walletdb.ReadBucket) error {
		var err error
		pos, err = fetchSyncedTo(ns)
		return err
	})
	return pos, err
}

// PutSyncedTo records pos as the last committed block.
func (s *Store) PutSyncedTo(pos match.Position) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		return putSyncedTo(ns, pos)
	})
}

// Rollback removes the records of every block at or above height and moves
// the synced-to position below it.  It is used when the chain reorganizes
// past blocks that were already scanned.
func (s *Store) Rollback(height int32, below match.Position) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		blocks := ns.NestedReadWriteBucket(bucketBlocks)
		matches := ns.NestedReadWriteBucket(bucketMatches)
		found := ns.NestedReadWriteBucket(bucketFound)

		var keys [][]byte
		err := blocks.ForEach(func(k, _ []byte) error {
			var pos match.Position
			if err := readRawPosition(k, &pos); err != nil {
				return err
			}
			if pos.Height >= height {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := blocks.Delete(k); err != nil {
				return err
			}
			if err := matches.Delete(k); err != nil {
				return err
			}
			if err := found.Delete(k); err != nil {
				return err
			}
		}

		log.Infof("Rolled back %d scanned blocks from height %d",
			len(keys), height)
		return putSyncedTo(ns, below)
	})
}
