// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package match holds the result containers produced by scanning compact filters
for wallet search targets.

Search targets are split into six fixed classes by the width of the element
being searched for: 20, 32, 33, 64 and 65 byte keys or key hashes, plus raw
transaction outpoints.  Each class carries back-references to the wallet
identity that produced the element: a derivation index for the key classes
and the outpoint itself for the outpoint class.

A Matches value is a set of back-references per class.  A MatchIndex pairs two
of them, recording for a single block which targets were confirmed absent from
the block's filter and which were confirmed present.  Results maps block
positions to their MatchIndex, and Cache rolls up per-batch clean/dirty block
positions and filter sizes.
*/
package match
