// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/cfscan/cfscan/chain"
	"github.com/cfscan/cfscan/internal/cfgutil"
	"github.com/cfscan/cfscan/scandb"
	"github.com/cfscan/cfscan/subchain"
	"github.com/lightninglabs/neutrino"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	// dbTimeout is how long opening a database waits for the file lock.
	dbTimeout = 60 * time.Second

	// filterNamespace is the scan database namespace holding the block
	// filters shared by all subchains.
	filterNamespace = "cfilters"
)

var (
	cfg *config
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := cfscanMain(); err != nil {
		os.Exit(1)
	}
}

// cfscanMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func cfscanMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("Metrics server listening on %s", cfg.MetricsListen)
			log.Errorf("%v", http.ListenAndServe(cfg.MetricsListen, mux))
		}()
	}

	netDir := networkDir(cfg.AppDataDir.Value, activeNet.Params)
	if err := checkCreateDir(netDir); err != nil {
		log.Error(err)
		return err
	}

	db, err := openDB(filepath.Join(netDir, scanDbName))
	if err != nil {
		log.Errorf("Unable to open scan database: %v", err)
		return err
	}
	defer db.Close()

	chainClient, stopChainClient, err := startChainClient(netDir)
	if err != nil {
		log.Errorf("Unable to start %s chain client: %v", cfg.BackEnd, err)
		return err
	}
	defer stopChainClient()

	filterStore, err := scandb.Open(db, filterNamespace)
	if err != nil {
		log.Errorf("Unable to open filter store: %v", err)
		return err
	}
	filters := chain.NewCachedFilterSource(
		chain.NewFilterIndexer(filterStore, chainClient), cfg.FilterCache,
	)

	subchains, err := newSubchains(cfg.AccountKeys, cfg.Lookahead)
	if err != nil {
		log.Errorf("Unable to derive subchains: %v", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(func() {
		log.Warn("Stopping scanners...")
		cancel()
	})

	wakeups := fanOut(ctx, chainClient.Notifications(), len(subchains))
	scanners := make([]*subchain.Scanner, 0, len(subchains))
	for i, sc := range subchains {
		store, err := scandb.Open(db, sc.Name())
		if err != nil {
			log.Errorf("Unable to open store of %s: %v", sc.Name(), err)
			return err
		}
		s, err := subchain.NewScanner(subchain.Config{
			Subchain:      sc,
			Chain:         chainClient,
			Filters:       filters,
			Store:         store,
			StartHeight:   cfg.StartHeight,
			BatchSize:     cfg.BatchSize,
			Jobs:          cfg.Jobs,
			Confirm:       cfg.Confirm,
			Follow:        cfg.Follow,
			Notifications: wakeups[i],
		})
		if err != nil {
			return err
		}
		scanners = append(scanners, s)
	}

	err = runScanners(ctx, scanners)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Scan failed: %v", err)
		return err
	}

	for _, sc := range subchains {
		state := sc.State()
		log.Infof("%s: next unused index %d, horizon %d", sc.Name(),
			state.NextUnfound(), state.Horizon())
	}
	log.Info("Shutdown complete")
	return nil
}

// openDB opens the bolt database at dbPath, creating it when missing.
func openDB(dbPath string) (walletdb.DB, error) {
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, dbTimeout)
	}
	return walletdb.Create("bdb", dbPath, true, dbTimeout)
}

// newSubchains returns the external and internal subchain of every account
// key.
func newSubchains(keys []cfgutil.AccountKeyFlag,
	lookahead uint32) ([]*subchain.Subchain, error) {

	branches := []subchain.Branch{
		subchain.ExternalBranch, subchain.InternalBranch,
	}

	subchains := make([]*subchain.Subchain, 0, len(keys)*len(branches))
	for _, key := range keys {
		scope := subchain.KeyScope{Purpose: key.Purpose, Coin: key.Coin}
		for _, branch := range branches {
			sc, err := subchain.New(key.Key, scope, key.Account,
				branch, lookahead)
			if err != nil {
				return nil, err
			}
			subchains = append(subchains, sc)
		}
	}
	return subchains, nil
}

// fanOut relays every notification read from in to n wakeup channels.  A
// wakeup is dropped for a scanner that has not consumed the previous one.
// The returned channels are closed once in is closed or ctx is done.
func fanOut(ctx context.Context, in <-chan interface{},
	n int) []<-chan interface{} {

	outs := make([]chan interface{}, n)
	recv := make([]<-chan interface{}, n)
	for i := range outs {
		outs[i] = make(chan interface{}, 1)
		recv[i] = outs[i]
	}

	go func() {
		defer func() {
			for _, out := range outs {
				close(out)
			}
		}()
		for {
			select {
			case ntfn, ok := <-in:
				if !ok {
					return
				}
				for _, out := range outs {
					select {
					case out <- ntfn:
					default:
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return recv
}

// runScanners runs every scanner until it is synced, or until ctx is done
// when following the chain.  The first scanner error stops the others.
func runScanners(ctx context.Context, scanners []*subchain.Scanner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range scanners {
		s := s
		g.Go(func() error {
			return s.Run(gctx)
		})
	}
	return g.Wait()
}

// startChainClient creates and starts the block source selected by the
// backend option.  The returned function stops the client and releases what
// it holds.
func startChainClient(netDir string) (chain.Interface, func(), error) {
	if cfg.BackEnd != "neutrino" {
		rpcc, err := startChainRPC(readCAFile())
		if err != nil {
			return nil, nil, err
		}
		return rpcc, func() {
			rpcc.Stop()
			rpcc.WaitForShutdown()
		}, nil
	}

	spvdb, err := openDB(filepath.Join(netDir, neutrinoDbName))
	if err != nil {
		return nil, nil, err
	}
	chainService, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      netDir,
		Database:     spvdb,
		ChainParams:  *activeNet.Params,
		ConnectPeers: cfg.ConnectPeers,
		AddPeers:     cfg.AddPeers,
	})
	if err != nil {
		spvdb.Close()
		return nil, nil, err
	}

	chainClient := chain.NewNeutrinoClient(activeNet.Params, chainService)
	if err := chainClient.Start(); err != nil {
		spvdb.Close()
		return nil, nil, err
	}
	return chainClient, func() {
		// The chain service must be stopped before the database it
		// writes to is closed.
		chainClient.Stop()
		chainClient.WaitForShutdown()
		if err := spvdb.Close(); err != nil {
			log.Errorf("Unable to close neutrino database: %v", err)
		}
	}, nil
}

func readCAFile() []byte {
	// Read certificate file if TLS is not disabled.
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile.Value)
		if err != nil {
			log.Warnf("Cannot open CA file: %v", err)
			// If there's an error reading the CA file, continue
			// with nil certs and without the client connection.
			certs = nil
		}
	} else {
		log.Info("Chain server RPC TLS is disabled")
	}

	return certs
}

// startChainRPC opens a RPC client connection to a btcd server for blockchain
// services.  This function uses the RPC options from the global config and
// there is no recovery in case the server is not available or if there is an
// authentication error.  Instead, all requests to the client will simply
// error.
func startChainRPC(certs []byte) (*chain.RPCClient, error) {
	log.Infof("Attempting RPC client connection to %v", cfg.RPCConnect)
	rpcc, err := chain.NewRPCClient(activeNet.Params, cfg.RPCConnect,
		cfg.RPCUser, cfg.RPCPass, certs, cfg.DisableClientTLS, 0)
	if err != nil {
		return nil, err
	}
	err = rpcc.Start()
	return rpcc, err
}
