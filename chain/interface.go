// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
)

// ErrFilterNotFound is returned by a FilterSource that has no filter for the
// requested block.
var ErrFilterNotFound = errors.New("filter not found")

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		"btcd",
		"neutrino",
	}
}

// BlockSource provides the blocks of the best chain.
type BlockSource interface {
	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlockHash(int64) (*chainhash.Hash, error)
	GetBlock(*chainhash.Hash) (*wire.MsgBlock, error)
}

// FilterSource provides the element-set filter of a block.
type FilterSource interface {
	CFilter(*chainhash.Hash) (*gcs.Filter, error)
}

// Interface allows multiple supported blockchain sources, such as a btcd RPC
// chain server or an SPV library, as long as we write a driver for it.
type Interface interface {
	BlockSource
	Start() error
	Stop()
	WaitForShutdown()
	Notifications() <-chan interface{}
	BackEnd() string
}

// Notification types.  These are defined here and processed from reading a
// notificationsChan to avoid handling them in callbacks that must not block.
type (
	// ClientConnected is a notification for when a client connection is
	// opened or reestablished to the chain server.
	ClientConnected struct{}

	// BlockConnected is a notification for a newly-attached block to the
	// best chain.
	BlockConnected match.Position

	// BlockDisconnected is a notification that the block described by
	// the position was reorganized out of the best chain.
	BlockDisconnected match.Position
)
