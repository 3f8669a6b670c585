// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package subchain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/chain"
	"github.com/cfscan/cfscan/match"
	"github.com/cfscan/cfscan/prehash"
	"github.com/cfscan/cfscan/scandb"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of blocks scanned per batch.
	DefaultBatchSize = 1000

	// DefaultPollInterval is how often the tip is checked for new blocks
	// when following the chain without notifications.
	DefaultPollInterval = 10 * time.Second
)

// Config holds the dependencies and tunables of a Scanner.
type Config struct {
	// Subchain is the subchain to scan.
	Subchain *Subchain

	// Chain resolves block hashes and provides blocks for confirmation.
	Chain chain.BlockSource

	// Filters provides the element-set filter of every scanned block.
	Filters chain.FilterSource

	// Store receives the scan results.
	Store *scandb.Store

	// StartHeight is the first block scanned when the store has no
	// synced-to position.
	StartHeight int32

	// BatchSize is the number of blocks per batch.
	BatchSize int

	// Jobs is the number of prepare and match workers.
	Jobs int

	// Confirm enables exact confirmation of dirty blocks against the full
	// block, removing filter false positives from the results.
	Confirm bool

	// Follow keeps Run waiting for new blocks once the tip is reached.
	Follow bool

	// Notifications optionally signals new blocks while following.
	Notifications <-chan interface{}

	// PollInterval is how often the tip is polled while following.
	PollInterval time.Duration
}

// BatchResult is the outcome of one scan batch.
type BatchResult struct {
	// Positions are the scanned blocks in order.
	Positions []match.Position

	// Results holds the matched and unmatched targets of each block.
	Results match.Results

	// Cache holds the clean and dirty positions and filter sizes.
	Cache match.Cache

	// FoundOutPoints holds the outpoints created in each confirmed block
	// that pay to the subchain's keys.  It is only set with Confirm.
	FoundOutPoints map[match.Position][]wire.OutPoint

	// Rescans is the number of times the batch was scanned again after
	// the lookahead window grew.
	Rescans int
}

// Scanner matches the targets of a subchain against the filters of
// consecutive blocks in batches and persists the results.
type Scanner struct {
	cfg     Config
	name    string
	scratch []*prehash.Scratch
}

// NewScanner validates cfg and returns a scanner.
func NewScanner(cfg Config) (*Scanner, error) {
	if cfg.Subchain == nil || cfg.Chain == nil || cfg.Filters == nil ||
		cfg.Store == nil {

		return nil, errors.New("scanner requires a subchain, chain, " +
			"filter source and store")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	initPrometheusMetrics()

	scratch := make([]*prehash.Scratch, cfg.Jobs)
	for i := range scratch {
		scratch[i] = prehash.NewScratch()
	}
	return &Scanner{
		cfg:     cfg,
		name:    cfg.Subchain.Name(),
		scratch: scratch,
	}, nil
}

// ScanBatch scans count blocks starting at height start.  Whenever a match
// advances the subchain's highest found index, or confirmation discovers new
// outpoints, the lookahead is extended and the batch is scanned again with
// the enlarged target set.  The final results are committed to the store.
func (s *Scanner) ScanBatch(ctx context.Context, start int32,
	count int) (*BatchResult, error) {

	began := time.Now()

	hashes, err := chain.BlockHashes(ctx, s.cfg.Chain, start, count)
	if err != nil {
		return nil, err
	}
	if _, err := s.cfg.Subchain.Extend(); err != nil {
		return nil, err
	}

	var res *BatchResult
	for rescans := 0; ; rescans++ {
		targets, err := s.cfg.Subchain.Targets()
		if err != nil {
			return nil, err
		}

		res, err = s.scan(ctx, start, hashes, targets)
		if err != nil {
			return nil, err
		}
		res.Rescans = rescans

		var newOutPoints int
		if s.cfg.Confirm {
			newOutPoints, err = s.confirm(ctx, targets, res)
			if err != nil {
				return nil, err
			}
		}

		var advanced bool
		for pos := range res.Cache.Dirty {
			if s.cfg.Subchain.ReportFound(&res.Results[pos].Match) {
				advanced = true
			}
		}

		var derived int
		if advanced {
			derived, err = s.cfg.Subchain.Extend()
			if err != nil {
				return nil, err
			}
		}
		if derived == 0 && newOutPoints == 0 {
			break
		}

		log.Debugf("%s: rescanning blocks %d-%d with %d new keys and "+
			"%d new outpoints", s.name, start, start+int32(count)-1,
			derived, newOutPoints)
		prometheusRescans.WithLabelValues(s.name).Inc()
	}

	if err := s.commit(res); err != nil {
		return nil, err
	}

	var elements uint32
	for _, size := range res.Cache.Sizes {
		elements += size
	}
	prometheusBlocksClean.WithLabelValues(s.name).Add(
		float64(res.Cache.Clean.Len()))
	prometheusBlocksDirty.WithLabelValues(s.name).Add(
		float64(res.Cache.Dirty.Len()))
	prometheusFilterElements.WithLabelValues(s.name).Add(float64(elements))
	prometheusBatchDuration.WithLabelValues(s.name).Observe(
		time.Since(began).Seconds())

	log.Infof("%s: scanned blocks %d-%d in %v (%d dirty, %d rescans)",
		s.name, start, start+int32(count)-1,
		time.Since(began).Round(time.Millisecond),
		res.Cache.Dirty.Len(), res.Rescans)

	return res, nil
}

// scan runs one prepare and match pass over the batch.  Filters are fetched
// while the targets are being prehashed.
func (s *Scanner) scan(ctx context.Context, start int32,
	hashes []chainhash.Hash, targets *prehash.Targets) (*BatchResult, error) {

	blockTargets := make([]prehash.BlockTarget, len(hashes))
	for i := range hashes {
		blockTargets[i] = prehash.BlockTarget{
			Hash:    hashes[i],
			Targets: targets,
		}
	}

	results := make(match.Results, len(hashes))
	data := prehash.New(prehash.DefaultConfig(), blockTargets, s.name,
		results, start, s.cfg.Jobs)

	var filters []*gcs.Filter
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		filters, err = chain.FetchFilters(gctx, s.cfg.Filters, hashes,
			s.cfg.Jobs)
		return err
	})
	for job := 0; job < s.cfg.Jobs; job++ {
		job := job
		g.Go(func() error {
			data.Prepare(job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		atLeastOnce atomic.Bool
		matched     = match.NewSyncedCache()
	)
	var wg sync.WaitGroup
	for job := 0; job < s.cfg.Jobs; job++ {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			data.Match("scan", filters, &atLeastOnce, job, results,
				matched, s.scratch[job])
		}()
	}
	wg.Wait()

	if !atLeastOnce.Load() && len(hashes) > 0 {
		return nil, fmt.Errorf("%s: no filters available for blocks "+
			"from height %d", s.name, start)
	}

	return &BatchResult{
		Positions: data.Positions(),
		Results:   results,
		Cache:     matched.Snapshot(),
	}, nil
}

// confirm checks every dirty block of res against the full block, moving
// false positives to the unmatched partition and blocks without confirmed
// matches to the clean set.  Outpoints created paying to the subchain's keys
// are recorded in res and watched from then on; the number of newly watched
// outpoints is returned.
func (s *Scanner) confirm(ctx context.Context, targets *prehash.Targets,
	res *BatchResult) (int, error) {

	var newOutPoints int
	for _, pos := range res.Cache.Dirty.Slice() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		block, err := s.cfg.Chain.GetBlock(&pos.Hash)
		if err != nil {
			return 0, fmt.Errorf("unable to fetch block %v: %w", pos,
				err)
		}

		bf := chain.NewBlockFilterer(targets)
		if !bf.ConfirmBlock(block, res.Results[pos]) {
			delete(res.Cache.Dirty, pos)
			res.Cache.Clean.Add(pos)
		}
		for op := range bf.FoundOutPoints {
			if res.FoundOutPoints == nil {
				res.FoundOutPoints = make(map[match.Position][]wire.OutPoint)
			}
			res.FoundOutPoints[pos] = append(res.FoundOutPoints[pos], op)
			if s.cfg.Subchain.WatchOutPoint(op) {
				newOutPoints++
			}
		}
	}
	return newOutPoints, nil
}

// commit stores the batch results and advances the synced-to position.
func (s *Scanner) commit(res *BatchResult) error {
	if len(res.Positions) == 0 {
		return nil
	}
	if len(res.FoundOutPoints) > 0 {
		err := s.cfg.Store.PutFoundOutPoints(res.FoundOutPoints)
		if err != nil {
			return err
		}
	}
	if err := s.cfg.Store.PutBatch(res.Results, res.Cache); err != nil {
		return err
	}

	last := res.Positions[len(res.Positions)-1]
	if err := s.cfg.Store.PutSyncedTo(last); err != nil {
		return err
	}
	prometheusSyncedHeight.WithLabelValues(s.name).Set(float64(last.Height))
	return nil
}

// Run scans from the block after the store's synced-to position, or from
// the configured start height, up to the chain tip.  With Follow set it then
// keeps scanning new blocks until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	if _, err := s.resume(); err != nil {
		return err
	}
	if err := s.restore(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, tip, err := s.cfg.Chain.GetBestBlock()
		if err != nil {
			return err
		}

		// The last committed block may have been reorganized out of
		// the chain since the previous batch.
		next, err := s.resume()
		if err != nil {
			return err
		}

		if next > tip {
			if !s.cfg.Follow {
				log.Infof("%s: synced to height %d", s.name, tip)
				return nil
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}

		count := int(tip-next) + 1
		if count > s.cfg.BatchSize {
			count = s.cfg.BatchSize
		}
		if _, err := s.ScanBatch(ctx, next, count); err != nil {
			return err
		}
	}
}

// restore rebuilds the search state of the subchain from the stored
// results.  The indices matched by dirty blocks advance the highest found
// index, and the outpoints matched or found by earlier scans are watched
// again, before the lookahead window is extended.
func (s *Scanner) restore() error {
	var dirty, watched int
	err := s.cfg.Store.ForEachDirty(func(_ match.Position,
		m *match.Matches) error {

		dirty++
		s.cfg.Subchain.ReportFound(m)
		for op := range m.OutPoints() {
			if s.cfg.Subchain.WatchOutPoint(op) {
				watched++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.cfg.Store.ForEachFoundOutPoint(func(_ match.Position,
		op wire.OutPoint) error {

		if s.cfg.Subchain.WatchOutPoint(op) {
			watched++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.cfg.Subchain.Extend(); err != nil {
		return err
	}
	if dirty > 0 || watched > 0 {
		state := s.cfg.Subchain.State()
		log.Infof("%s: restored %d dirty blocks and %d watched "+
			"outpoints, next unused index %d, horizon %d", s.name,
			dirty, watched, state.NextUnfound(), state.Horizon())
	}
	return nil
}

// resume returns the next height to scan.  A synced-to block that is no
// longer part of the best chain is rolled back first.
func (s *Scanner) resume() (int32, error) {
	synced, err := s.cfg.Store.SyncedTo()
	switch {
	case errors.Is(err, scandb.ErrNotFound):
		return s.cfg.StartHeight, nil
	case err != nil:
		return 0, err
	case synced.Height < s.cfg.StartHeight:
		return s.cfg.StartHeight, nil
	}

	height := synced.Height
	for height >= s.cfg.StartHeight {
		hash, err := s.cfg.Chain.GetBlockHash(int64(height))
		if err != nil {
			return 0, err
		}
		if height == synced.Height && *hash == synced.Hash {
			return height + 1, nil
		}

		// Blocks below a reorganized one are kept when their scan
		// result is stored under the same hash.
		pos := match.NewPosition(height, hash)
		if height < synced.Height {
			_, _, err := s.cfg.Store.Status(pos)
			if err == nil {
				log.Warnf("%s: chain reorganized, rolling back "+
					"to height %d", s.name, height)
				err := s.cfg.Store.Rollback(height+1, pos)
				return height + 1, err
			}
			if !errors.Is(err, scandb.ErrNotFound) {
				return 0, err
			}
		}
		height--
	}

	log.Warnf("%s: chain reorganized below the start height", s.name)
	below := match.Position{Height: s.cfg.StartHeight - 1}
	if err := s.cfg.Store.Rollback(s.cfg.StartHeight, below); err != nil {
		return 0, err
	}
	return s.cfg.StartHeight, nil
}

// wait blocks until a block notification arrives, the poll interval
// passes, or ctx is done.
func (s *Scanner) wait(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case n, ok := <-s.cfg.Notifications:
		if !ok {
			s.cfg.Notifications = nil
			return nil
		}
		log.Tracef("%s: woken by %T", s.name, n)
		return nil
	case <-timer.C:
		return nil
	}
}
