// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
	"github.com/lightninglabs/neutrino"
)

const (
	// maxBlockRetries is the number of attempts made to fetch a block
	// whose header neutrino has not caught up with yet.
	maxBlockRetries = 50

	// blockRetryInterval is the pause between two block fetch attempts.
	blockRetryInterval = 100 * time.Millisecond

	// defaultTipPollInterval is how often the chain tip is checked for
	// block notifications.
	defaultTipPollInterval = 5 * time.Second
)

// NeutrinoClient is an implementation of the chain.Interface interface on top
// of a neutrino ChainService.
type NeutrinoClient struct {
	CS *neutrino.ChainService

	chainParams *chaincfg.Params

	// TipPollInterval is how often the best block is polled to produce
	// block notifications.
	TipPollInterval time.Duration

	notifications *ConcurrentQueue[interface{}]

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool

	clientMtx sync.Mutex
}

// NewNeutrinoClient creates a new NeutrinoClient struct with a backing
// ChainService.
func NewNeutrinoClient(chainParams *chaincfg.Params,
	chainService *neutrino.ChainService) *NeutrinoClient {

	return &NeutrinoClient{
		CS:              chainService,
		chainParams:     chainParams,
		TipPollInterval: defaultTipPollInterval,
	}
}

// BackEnd returns the name of the driver.
func (s *NeutrinoClient) BackEnd() string {
	return "neutrino"
}

// Start starts the chain service and the tip poller that produces block
// notifications.
func (s *NeutrinoClient) Start() error {
	if err := s.CS.Start(); err != nil {
		return err
	}

	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		s.notifications = NewConcurrentQueue[interface{}](20)
		s.notifications.Start()
		s.quit = make(chan struct{})
		s.started = true

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.notifications.Push(ClientConnected{})
			s.tipPoller()
		}()
	}
	return nil
}

// Stop replicates the RPC client's Stop method.
func (s *NeutrinoClient) Stop() {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		return
	}
	close(s.quit)
	s.notifications.Stop()
	if err := s.CS.Stop(); err != nil {
		log.Errorf("Unable to stop chain service: %v", err)
	}
	s.started = false
}

// WaitForShutdown replicates the RPC client's WaitForShutdown method.
func (s *NeutrinoClient) WaitForShutdown() {
	s.wg.Wait()
}

// Notifications replicates the RPC client's Notifications method.
func (s *NeutrinoClient) Notifications() <-chan interface{} {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if s.notifications == nil {
		return nil
	}
	return s.notifications.ChanOut()
}

// GetBlock replicates the RPC client's GetBlock command.  The header of a
// freshly announced block may not have been processed by the chain service
// yet, so failed fetches are retried for a bounded time.
func (s *NeutrinoClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var err error
	for count := 0; count < maxBlockRetries; count++ {
		if count > 0 {
			time.Sleep(blockRetryInterval)
		}

		block, e := s.CS.GetBlock(*hash)
		if e != nil {
			err = e
			continue
		}
		return block.MsgBlock(), nil
	}
	return nil, err
}

// GetBestBlock replicates the RPC client's GetBestBlock command.
func (s *NeutrinoClient) GetBestBlock() (*chainhash.Hash, int32, error) {
	bs, err := s.CS.BestBlock()
	if err != nil {
		return nil, 0, err
	}
	return &bs.Hash, bs.Height, nil
}

// GetBlockHash returns the block hash for the given height, or an error if
// the client has been shut down or there's no block header or filter at the
// height.
func (s *NeutrinoClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return s.CS.GetBlockHash(height)
}

// tipPoller queues a BlockConnected notification whenever the best block
// changes, preceded by a BlockDisconnected notification for the previous
// tip when it was replaced at the same or a lower height.
func (s *NeutrinoClient) tipPoller() {
	ticker := time.NewTicker(s.TipPollInterval)
	defer ticker.Stop()

	var last *match.Position
	for {
		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}

		hash, height, err := s.GetBestBlock()
		if err != nil {
			log.Warnf("Unable to fetch best block: %v", err)
			continue
		}
		tip := match.NewPosition(height, hash)
		if last != nil && *last == tip {
			continue
		}
		if last != nil && tip.Height <= last.Height {
			s.notifications.Push(BlockDisconnected(*last))
		}
		s.notifications.Push(BlockConnected(tip))
		last = &tip
	}
}
