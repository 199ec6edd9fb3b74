// Package fingerprint computes a content checksum over a transmitted
// batch, for property-based tests that verify publication ordering
// (Testable Property 3: the transmitted region's first count elements
// equal the values producers supplied, in slot-reservation order).
//
// Grounded on two teacher pieces: dedupe.go's tagHi/tagLo content
// fingerprint (there, a 128-bit digest of an event's topic0/data used
// to detect reorg-duplicate log entries) and router/update_test.go's
// use of golang.org/x/crypto/sha3 to derive deterministic test
// addresses. Here the fingerprint is of a whole batch's byte
// representation rather than a single event's, and its purpose is
// order-sensitive equality checking rather than deduplication.
package fingerprint

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Sum computes a SHA3-256 fingerprint over batch, using toBytes to
// serialize each element. The digest is order-sensitive: permuting
// batch changes the result, which is what makes it useful for
// asserting that a received batch matches the exact sequence a set of
// producers wrote, not just the same multiset.
func Sum[Arg any](batch []Arg, toBytes func(Arg) []byte) [32]byte {
	h := sha3.New256()
	var lenBuf [8]byte
	for _, v := range batch {
		b := toBytes(v)
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// SumInt64s is a convenience Sum for the common test element type: a
// batch of plain integers tagged as int64.
func SumInt64s(batch []int64) [32]byte {
	return Sum(batch, func(v int64) []byte {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return b[:]
	})
}
