// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// AccountKeyFlag is an extended account key together with the purpose, coin
// type and account number it was derived with.  It implements the
// flags.Marshaler and flags.Unmarshaler interfaces so it can be used as a
// config struct field.
//
// The accepted forms are purpose:coin:account:key and a bare key, which is
// taken to be account 0 of BIP0084 on coin type 0.
type AccountKeyFlag struct {
	Purpose uint32
	Coin    uint32
	Account uint32
	Key     *hdkeychain.ExtendedKey
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (a *AccountKeyFlag) MarshalFlag() (string, error) {
	if a.Key == nil {
		return "", nil
	}
	return fmt.Sprintf("%d:%d:%d:%s", a.Purpose, a.Coin, a.Account,
		a.Key.String()), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (a *AccountKeyFlag) UnmarshalFlag(value string) error {
	parts := strings.Split(value, ":")
	switch len(parts) {
	case 1:
		a.Purpose, a.Coin, a.Account = 84, 0, 0
	case 4:
		var nums [3]uint32
		for i, part := range parts[:3] {
			n, err := strconv.ParseUint(part, 10, 31)
			if err != nil {
				return fmt.Errorf("invalid derivation step %q: %w",
					part, err)
			}
			nums[i] = uint32(n)
		}
		a.Purpose, a.Coin, a.Account = nums[0], nums[1], nums[2]
	default:
		return fmt.Errorf("account key must be key or " +
			"purpose:coin:account:key")
	}

	key, err := hdkeychain.NewKeyFromString(parts[len(parts)-1])
	if err != nil {
		return err
	}
	a.Key = key
	return nil
}
