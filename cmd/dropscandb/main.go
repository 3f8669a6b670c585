// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/cfscan/cfscan/scandb"
	"github.com/jessevdk/go-flags"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("cfscan", false)

// Flags.
var opts = struct {
	Force     bool     `short:"f" description:"Force removal without prompt"`
	DbPath    string   `long:"db" description:"Path to scan database"`
	Subchains []string `short:"s" long:"subchain" description:"Derivation path of a subchain to drop, eg. m/84'/0'/0'/0 -- may be repeated"`
	Filters   bool     `long:"filters" description:"Also drop the stored block filters"`
}{
	Force:  false,
	DbPath: filepath.Join(datadir, defaultNet, "scan.db"),
}

// filterNamespace matches the namespace cfscan stores block filters under.
const filterNamespace = "cfilters"

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	names := opts.Subchains
	if opts.Filters {
		names = append(names, filterNamespace)
	}
	if len(names) == 0 {
		fmt.Println("Nothing to drop: use --subchain or --filters")
		return 1
	}

	fmt.Println("Database path:", opts.DbPath)
	_, err := os.Stat(opts.DbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	for !opts.Force {
		fmt.Printf("Drop the scan state of %v? [y/N] ", names)

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, 10*time.Second)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	for _, name := range names {
		fmt.Println("Dropping scan state of", name)
		if err := scandb.Drop(db, name); err != nil {
			fmt.Println("Failed to drop namespace:", err)
			return 1
		}
	}

	return 0
}
