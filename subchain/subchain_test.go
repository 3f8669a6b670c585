// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package subchain_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfscan/cfscan/match"
	"github.com/cfscan/cfscan/subchain"
	"github.com/stretchr/testify/require"
)

func accountKey(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()

	seed := bytes.Repeat([]byte{0x5e}, hdkeychain.RecommendedSeedLen)
	key, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	for _, i := range []uint32{84, 0, 0} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + i)
		require.NoError(t, err)
	}
	return key
}

func TestSubchainTargets(t *testing.T) {
	acct := accountKey(t)
	sc, err := subchain.New(acct, subchain.KeyScopeBIP0084, 0,
		subchain.ExternalBranch, 4)
	require.NoError(t, err)
	require.Equal(t, "m/84'/0'/0'/0", sc.Name())

	_, err = sc.Targets()
	require.ErrorIs(t, err, subchain.ErrNoTargets)

	derived, err := sc.Extend()
	require.NoError(t, err)
	require.Equal(t, 4, derived)

	targets, err := sc.Targets()
	require.NoError(t, err)
	for _, k := range []match.Kind{match.Kind20, match.Kind32,
		match.Kind33, match.Kind65} {

		require.Equal(t, 4, targets.Len(k), "kind %v", k)
	}
	require.Zero(t, targets.Len(match.Kind64))
	require.Zero(t, targets.Len(match.KindOutpoint))

	// The elements of child 2 are derived from the public branch key.
	branch, err := acct.Derive(0)
	require.NoError(t, err)
	child, err := branch.Derive(2)
	require.NoError(t, err)
	pub, err := child.ECPubKey()
	require.NoError(t, err)

	want := map[match.Kind][]byte{
		match.Kind20: btcutil.Hash160(pub.SerializeCompressed()),
		match.Kind32: schnorr.SerializePubKey(
			txscript.ComputeTaprootKeyNoScript(pub)),
		match.Kind33: pub.SerializeCompressed(),
		match.Kind65: pub.SerializeUncompressed(),
	}
	for k, data := range want {
		var found bool
		for _, kt := range targets.Keys(k) {
			if kt.Index == 2 {
				require.Equal(t, data, kt.Data, "kind %v", k)
				found = true
			}
		}
		require.True(t, found, "kind %v", k)
	}
}

func TestSubchainReportFound(t *testing.T) {
	sc, err := subchain.New(accountKey(t), subchain.KeyScopeBIP0084, 0,
		subchain.InternalBranch, 3)
	require.NoError(t, err)
	_, err = sc.Extend()
	require.NoError(t, err)

	var m match.Matches
	m.AddIndex(match.Kind33, 1)
	require.True(t, sc.ReportFound(&m))
	require.False(t, sc.ReportFound(&m), "reporting twice")

	derived, err := sc.Extend()
	require.NoError(t, err)
	require.Equal(t, 2, derived)
	require.Equal(t, uint32(5), sc.State().Horizon())

	targets, err := sc.Targets()
	require.NoError(t, err)
	require.Equal(t, 5, targets.Len(match.Kind20))

	// Outpoints alone do not advance the branch.
	var ops match.Matches
	ops.AddOutPoint(wire.OutPoint{Index: 1})
	require.False(t, sc.ReportFound(&ops))
}

func TestSubchainWatchOutPoint(t *testing.T) {
	sc, err := subchain.New(accountKey(t), subchain.KeyScopeBIP0086, 0,
		subchain.ExternalBranch, 0)
	require.NoError(t, err)

	op := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 7}
	require.True(t, sc.WatchOutPoint(op))
	require.False(t, sc.WatchOutPoint(op))

	targets, err := sc.Targets()
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{op}, targets.OutPoints())
	require.Equal(t, 1, targets.Total())
}
