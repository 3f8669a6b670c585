// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prehash computes filter-space digests of wallet search targets
// once per scan batch and matches them against compact filters in parallel.
//
// A Data value is built for a contiguous range of blocks.  Prepare computes
// the digests of every block's targets under that block's filter key, and
// Match tests them against the block filters as they become available,
// classifying each block as clean or dirty.  Both operations take a job
// number and only touch the blocks job, job+jobs, job+2*jobs, ... so a fixed
// pool of workers can run them without coordination.
package prehash

import (
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/cfscan/cfscan/cfilter"
	"github.com/cfscan/cfscan/match"
	"github.com/dolthub/swiss"
)

// Config holds the filter scheme a Data value hashes and matches against.
type Config struct {
	// Key derives a block's filter key from its hash.
	Key cfilter.KeyFunc

	// Params are the Golomb coding parameters of the filters.
	Params cfilter.Params
}

// DefaultConfig returns the configuration for element-set filters.
func DefaultConfig() Config {
	return Config{
		Key:    cfilter.Key,
		Params: cfilter.RegularParams,
	}
}

// bucket holds the digests of one kind of a block's targets.
type bucket struct {
	// hashes are the distinct digests in order of first occurrence.
	hashes []uint64

	// refs maps a digest to the positions, within the block's target
	// list of this kind, of every element that produced it.
	refs *swiss.Map[uint64, []uint32]
}

// BlockData is the prehashed form of one block's targets.
type BlockData struct {
	Height  int32
	buckets [match.NumKinds]bucket
}

// Hashes returns the distinct digests computed for kind k.
func (b *BlockData) Hashes(k match.Kind) []uint64 {
	return b.buckets[k].hashes
}

// Data owns the prehashed targets of a batch of consecutive blocks.
type Data struct {
	cfg       Config
	name      string
	jobs      int
	targets   []BlockTarget
	positions []match.Position
	data      []BlockData
}

// New allocates prehash storage for targets, which describe consecutive
// blocks starting at height start, and registers an empty MatchIndex for
// each of them in results.  No hashing is done until Prepare is called.
//
// jobs is the number of workers that will call Prepare and Match and must be
// at least one.
func New(cfg Config, targets []BlockTarget, name string,
	results match.Results, start int32, jobs int) *Data {

	if jobs < 1 {
		panic(fmt.Sprintf("prehash: invalid job count %d", jobs))
	}

	d := &Data{
		cfg:       cfg,
		name:      name,
		jobs:      jobs,
		targets:   targets,
		positions: make([]match.Position, len(targets)),
		data:      make([]BlockData, len(targets)),
	}

	for i := range targets {
		height := start + int32(i)
		pos := match.NewPosition(height, &targets[i].Hash)
		d.positions[i] = pos
		results[pos] = new(match.MatchIndex)

		row := &d.data[i]
		row.Height = height
		for _, k := range match.Kinds {
			n := targets[i].Targets.Len(k)
			if n == 0 {
				continue
			}
			row.buckets[k].hashes = make([]uint64, 0, n)
			row.buckets[k].refs = swiss.NewMap[uint64, []uint32](uint32(n))
		}
	}

	log.Debugf("%s: allocated prehash storage for %d blocks from height "+
		"%d with %d jobs", name, len(targets), start, jobs)

	return d
}

// Len returns the number of blocks in the batch.
func (d *Data) Len() int {
	return len(d.targets)
}

// Jobs returns the number of workers the batch was sized for.
func (d *Data) Jobs() int {
	return d.jobs
}

// Positions returns the positions of the batch's blocks in order.
func (d *Data) Positions() []match.Position {
	return d.positions
}

// Row returns the prehashed data of the i'th block.
func (d *Data) Row(i int) *BlockData {
	return &d.data[i]
}

// forEachStride calls fn for every index in [0, total) assigned to job when
// the range is dealt round-robin to jobs workers.
func forEachStride(total, jobs, job int, fn func(i int)) {
	for i := job; i < total; i += jobs {
		fn(i)
	}
}

// Strides returns the indices in [0, total) assigned to job out of jobs
// workers.
func Strides(total, jobs, job int) []int {
	var out []int
	forEachStride(total, jobs, job, func(i int) {
		out = append(out, i)
	})
	return out
}

func (d *Data) checkJob(job int) {
	if job < 0 || job >= d.jobs {
		panic(fmt.Sprintf("prehash: job %d out of range [0, %d)",
			job, d.jobs))
	}
}

// hashBucket computes the digest of every element of kind k under key.  The
// digest sequence is then deduplicated in place, keeping first occurrences,
// while refs keeps every element that produced a digest.
func hashBucket(key *[gcs.KeySize]byte, targets *Targets, k match.Kind,
	dest *bucket) {

	n := targets.Len(k)
	if n == 0 {
		return
	}

	var buf [match.OutPointSize]byte
	for i := 0; i < n; i++ {
		digest := cfilter.Hash(key, targets.element(k, i, &buf))
		dest.hashes = append(dest.hashes, digest)

		refs, _ := dest.refs.Get(digest)
		dest.refs.Put(digest, append(refs, uint32(i)))
	}

	// Positions are appended in order, so a digest's first occurrence is
	// the first position recorded for it.
	unique := dest.hashes[:0]
	for i, digest := range dest.hashes {
		refs, _ := dest.refs.Get(digest)
		if refs[0] == uint32(i) {
			unique = append(unique, digest)
		}
	}
	dest.hashes = unique
}

// hashRow computes the digests of all kinds of one block.
func (d *Data) hashRow(target *BlockTarget, row *BlockData) {
	key := d.cfg.Key(&target.Hash)
	for _, k := range match.Kinds {
		hashBucket(&key, target.Targets, k, &row.buckets[k])
	}
}

// Prepare computes the digests of the blocks assigned to job.  Workers with
// distinct job numbers may call Prepare concurrently.  Each job must be
// prepared exactly once, before any call to Match.
func (d *Data) Prepare(job int) {
	d.checkJob(job)

	forEachStride(len(d.targets), d.jobs, job, func(i int) {
		d.hashRow(&d.targets[i], &d.data[i])
	})
}

// Scratch holds per-worker buffers reused across blocks and batches.  A
// Scratch must only be used by one worker at a time.
type Scratch struct {
	querier cfilter.Querier
	found   []uint64
	hit     []bool
	cache   match.Cache
}

// NewScratch returns an empty worker scratch area.
func NewScratch() *Scratch {
	return &Scratch{cache: match.NewCache()}
}

// hits returns a cleared flag slice of length n.
func (s *Scratch) hits(n int) []bool {
	if cap(s.hit) < n {
		s.hit = make([]bool, n)
	}
	s.hit = s.hit[:n]
	clear(s.hit)
	return s.hit
}

// Match classifies the blocks assigned to job for which a filter is
// available.  filters holds the filters of the batch's blocks in order; it
// may be shorter than the batch and may contain nil entries for filters that
// have not been fetched yet, and such blocks are skipped.  atLeastOnce is set
// when any block was classified.
//
// Each classified block's MatchIndex in results is filled in, and the
// worker's clean/dirty positions and filter sizes are merged into matched
// with a single Modify call.
func (d *Data) Match(procedure string, filters []*gcs.Filter,
	atLeastOnce *atomic.Bool, job int, results match.Results,
	matched *match.SyncedCache, scratch *Scratch) {

	d.checkJob(job)

	cache := &scratch.cache
	if cache.Clean == nil {
		*cache = match.NewCache()
	}
	cache.Reset()

	total := min(len(d.targets), len(filters))
	forEachStride(total, d.jobs, job, func(i int) {
		filter := filters[i]
		if filter == nil {
			return
		}
		atLeastOnce.Store(true)

		pos := d.positions[i]
		index, ok := results[pos]
		if !ok {
			panic(fmt.Sprintf("prehash: no result entry for "+
				"block %v", pos))
		}

		d.match(procedure, pos, filter, d.targets[i].Targets,
			&d.data[i], cache, index, scratch)
	})

	matched.Modify(func(c *match.Cache) {
		c.Merge(cache)
	})
}

// match tests one block's prehashed targets against its filter.  Every
// target of the block is recorded in exactly one of the partitions of index:
// Match when its digest is a filter member, NoMatch otherwise.  A digest
// shared by several elements marks all of them as matched.  The block is
// recorded as clean in cache when no digest matched and dirty otherwise, and
// the filter's element count is recorded under the block height.
func (d *Data) match(procedure string, pos match.Position, filter *gcs.Filter,
	targets *Targets, row *BlockData, cache *match.Cache,
	index *match.MatchIndex, s *Scratch) {

	var matched, tested int
	for _, k := range match.Kinds {
		n := targets.Len(k)
		if n == 0 {
			continue
		}
		b := &row.buckets[k]

		s.found = s.querier.Query(filter, d.cfg.Params, b.hashes,
			s.found[:0])

		hit := s.hits(n)
		for _, digest := range s.found {
			refs, _ := b.refs.Get(digest)
			for _, r := range refs {
				hit[r] = true
			}
		}

		for i := 0; i < n; i++ {
			if hit[i] {
				targets.classify(k, i, &index.Match)
			} else {
				targets.classify(k, i, &index.NoMatch)
			}
		}

		matched += len(s.found)
		tested += len(b.hashes)
	}

	if matched == 0 {
		cache.Clean.Add(pos)
	} else {
		cache.Dirty.Add(pos)
	}
	cache.Sizes[pos.Height] = filter.N()

	log.Tracef("%s %s: block %v matched %d of %d hashes against %d "+
		"filter elements%v", d.name, procedure, pos, matched, tested,
		filter.N(), newLogClosure(func() string {
			if matched == 0 {
				return ""
			}
			return fmt.Sprintf(" (%v)", index.Match.String())
		}))
}
