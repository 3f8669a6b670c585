// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/cfscan/cfscan/match"
)

// RPCClient represents a persistent client connection to a btcd RPC server
// for information regarding the current best block chain.
type RPCClient struct {
	*rpcclient.Client
	connConfig        *rpcclient.ConnConfig // Work around unexported field
	chainParams       *chaincfg.Params
	reconnectAttempts int

	notifications *ConcurrentQueue[interface{}]

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

// NewRPCClient creates a client connection to the server described by the
// connect string.  If disableTLS is false, the remote RPC certificate must be
// provided in the certs slice.  The connection is not established
// immediately, but must be done using the Start method.  If the remote
// server does not operate on the same bitcoin network as described by the
// passed chain parameters, the connection will be disconnected.
func NewRPCClient(chainParams *chaincfg.Params, connect, user, pass string,
	certs []byte, disableTLS bool, reconnectAttempts int) (*RPCClient, error) {

	if reconnectAttempts < 0 {
		return nil, errors.New("reconnectAttempts must be positive")
	}

	client := &RPCClient{
		connConfig: &rpcclient.ConnConfig{
			Host:                 connect,
			Endpoint:             "ws",
			User:                 user,
			Pass:                 pass,
			Certificates:         certs,
			DisableAutoReconnect: false,
			DisableConnectOnNew:  true,
			DisableTLS:           disableTLS,
		},
		chainParams:       chainParams,
		reconnectAttempts: reconnectAttempts,
		notifications:     NewConcurrentQueue[interface{}](20),
		quit:              make(chan struct{}),
	}
	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnClientConnected:   client.onClientConnect,
		OnBlockConnected:    client.onBlockConnected,
		OnBlockDisconnected: client.onBlockDisconnected,
	}
	rpcClient, err := rpcclient.New(client.connConfig, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	client.Client = rpcClient
	return client, nil
}

// BackEnd returns the name of the driver.
func (c *RPCClient) BackEnd() string {
	return "btcd"
}

// Start attempts to establish a client connection with the remote server.
// If successful, block notifications are requested from the server and
// queued for Notifications.  After a limited number of connection attempts,
// this function gives up, and therefore will not block forever waiting for
// the connection to be established to a server that may not exist.
func (c *RPCClient) Start() error {
	err := c.Connect(c.reconnectAttempts)
	if err != nil {
		return err
	}

	// Verify that the server is running on the expected network.
	net, err := c.GetCurrentNet()
	if err != nil {
		c.Disconnect()
		return err
	}
	if net != c.chainParams.Net {
		c.Disconnect()
		return errors.New("mismatched networks")
	}

	c.quitMtx.Lock()
	c.started = true
	c.quitMtx.Unlock()

	c.notifications.Start()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.quit
		c.notifications.Stop()
	}()

	if err := c.NotifyBlocks(); err != nil {
		c.Stop()
		return err
	}
	return nil
}

// Stop disconnects the client and signals the shutdown of all goroutines
// started by Start.
func (c *RPCClient) Stop() {
	c.quitMtx.Lock()
	select {
	case <-c.quit:
	default:
		close(c.quit)
		c.Client.Shutdown()
	}
	c.quitMtx.Unlock()
}

// WaitForShutdown blocks until both the client has finished disconnecting
// and all handlers have exited.
func (c *RPCClient) WaitForShutdown() {
	c.Client.WaitForShutdown()
	c.wg.Wait()
}

// Notifications returns a channel of parsed notifications sent by the remote
// bitcoin RPC server.
func (c *RPCClient) Notifications() <-chan interface{} {
	return c.notifications.ChanOut()
}

func (c *RPCClient) onClientConnect() {
	log.Debugf("Connected to btcd at %s", c.connConfig.Host)
	c.notifications.Push(ClientConnected{})
}

func (c *RPCClient) onBlockConnected(hash *chainhash.Hash, height int32,
	_ time.Time) {

	c.notifications.Push(BlockConnected(match.NewPosition(height, hash)))
}

func (c *RPCClient) onBlockDisconnected(hash *chainhash.Hash, height int32,
	_ time.Time) {

	c.notifications.Push(BlockDisconnected(match.NewPosition(height, hash)))
}
