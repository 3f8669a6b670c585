// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddresses(t *testing.T) {
	addrs, err := NormalizeAddresses([]string{
		"127.0.0.1", "127.0.0.1:18334", "localhost", "example.com:1",
	}, "18334")
	require.NoError(t, err)
	require.Equal(t, []string{
		"127.0.0.1:18334", "localhost:18334", "example.com:1",
	}, addrs)

	_, err = NormalizeAddress("[::1", "1")
	require.Error(t, err)
}

func TestExplicitString(t *testing.T) {
	s := NewExplicitString("default")
	require.False(t, s.ExplicitlySet())
	require.NoError(t, s.UnmarshalFlag("default"))
	require.True(t, s.ExplicitlySet())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := FileExists(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccountKeyFlag(t *testing.T) {
	seed := bytes.Repeat([]byte{1}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)

	var a AccountKeyFlag
	require.NoError(t, a.UnmarshalFlag(pub.String()))
	require.Equal(t, uint32(84), a.Purpose)
	require.Equal(t, pub.String(), a.Key.String())

	require.NoError(t, a.UnmarshalFlag("86:1:2:"+pub.String()))
	require.Equal(t, [3]uint32{86, 1, 2},
		[3]uint32{a.Purpose, a.Coin, a.Account})

	s, err := a.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "86:1:2:"+pub.String(), s)

	require.Error(t, a.UnmarshalFlag("1:2:"+pub.String()))
	require.Error(t, a.UnmarshalFlag("x:0:0:"+pub.String()))
	require.Error(t, a.UnmarshalFlag("not a key"))
}
