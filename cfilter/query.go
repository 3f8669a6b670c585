// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfilter

import (
	"math/bits"
	"slices"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/kkdai/bstream"
)

// querySlot pairs a digest with its value reduced into a filter's range.
type querySlot struct {
	reduced uint64
	digest  uint64
}

// Querier answers batched membership queries over precomputed digests.  It
// owns scratch space that is reused between queries, so a Querier must not
// be shared between goroutines.
type Querier struct {
	slots []querySlot
}

// reduce maps a digest uniformly into [0, modulusNM) the way BIP158 filters
// do, by taking the high 64 bits of the 128 bit product.
func reduce(digest, modulusNM uint64) uint64 {
	hi, _ := bits.Mul64(digest, modulusNM)
	return hi
}

// readDelta reads one Golomb-Rice coded value: a unary quotient followed by
// a p bit remainder.
func readDelta(b *bstream.BStream, p uint8) (uint64, error) {
	var quotient uint64

	// Count the 1s until we reach a 0.
	c, err := b.ReadBit()
	if err != nil {
		return 0, err
	}
	for c {
		quotient++
		c, err = b.ReadBit()
		if err != nil {
			return 0, err
		}
	}

	remainder, err := b.ReadBits(int(p))
	if err != nil {
		return 0, err
	}

	return quotient<<p + remainder, nil
}

// Query appends to dst every digest in digests whose reduced value is a
// member of filter and returns the extended slice.  The digests must have
// been computed with Hash under the filter's key.  A digest appears in the
// result once per occurrence in digests.
//
// The walk stops early when the filter's stream is exhausted or truncated;
// digests not reached are reported as non-members.
func (q *Querier) Query(filter *gcs.Filter, params Params, digests,
	dst []uint64) []uint64 {

	n := filter.N()
	if n == 0 || len(digests) == 0 {
		return dst
	}

	data, err := filter.Bytes()
	if err != nil {
		return dst
	}

	modulusNM := uint64(n) * params.M
	q.slots = q.slots[:0]
	for _, d := range digests {
		q.slots = append(q.slots, querySlot{
			reduced: reduce(d, modulusNM),
			digest:  d,
		})
	}
	slices.SortFunc(q.slots, func(a, b querySlot) int {
		switch {
		case a.reduced < b.reduced:
			return -1
		case a.reduced > b.reduced:
			return 1
		}
		return 0
	})

	// Zip the sorted query values against the sorted filter values.  The
	// filter cursor only advances while it is behind the query value, so
	// repeated query values all compare against the same filter value.
	stream := bstream.NewBStreamReader(data)
	var (
		value uint64
		read  uint32
		have  bool
	)
	for i := 0; i < len(q.slots); {
		slot := &q.slots[i]
		if !have || value < slot.reduced {
			if read == n {
				break
			}
			delta, err := readDelta(stream, params.P)
			if err != nil {
				break
			}
			value += delta
			read++
			have = true
			continue
		}

		if value == slot.reduced {
			dst = append(dst, slot.digest)
		}
		i++
	}

	return dst
}

// Query is a convenience wrapper around a single use Querier.
func Query(filter *gcs.Filter, params Params, digests []uint64) []uint64 {
	var q Querier
	return q.Query(filter, params, digests, nil)
}
