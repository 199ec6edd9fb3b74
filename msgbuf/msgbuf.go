// Package msgbuf implements the per-destination coalescing buffer and
// its lock-free send/flush state machine: the core protocol of the
// coalescing transport layer.
//
// A Buffer fuses a slot-allocation counter and a "sender active" flag
// into one atomic word (countAllocated), so a producer can both check
// sender exclusivity and reserve a slot with a single atomic
// fetch-and-add, and so a flush can atomically claim exclusivity with
// a single compare-and-swap. This mirrors the cache-line-padded,
// single-word atomic protocol the ring buffers in this codebase use
// for their head/tail cursors, generalized from a per-slot sequence
// number to a fused count/flag word.
package msgbuf

import (
	"runtime"
	"sync/atomic"

	"github.com/lums658/ampp/bufcache"
)

// senderActive is the top bit of the 64-bit countAllocated word: when
// set, exactly one thread holds exclusive rights to transmit the
// buffer's current contents. countMask covers every other bit, the
// slot index handed out so far within the current generation.
const (
	senderActive uint64 = 1 << 63
	countMask    uint64 = senderActive - 1
)

// spinWait issues a CPU pause hint between polls of cond, exactly the
// way ring56.PopWait backs off while waiting for a slot to become
// ready. It returns once cond reports true.
func spinWait(cond func() bool) {
	for !cond() {
		cpuRelax()
	}
}

// cpuRelax is a polite spin-loop hint. A true PAUSE-instruction
// variant is unnecessary here: runtime.Gosched already yields the
// hot spin cheaply across the platforms this module targets, and the
// teacher's own portable fallback (ring56's relax_stub.go) is a
// no-op, so a Gosched call is strictly more considerate under Go's
// M:N scheduler.
func cpuRelax() { runtime.Gosched() }

// Buffer is the per-destination coalescing slot array.
//
// Invariants (see spec SPEC_FULL.md §7.2):
//   - senderActive and the count bits are disjoint regions of
//     countAllocated, updated only by atomic RMW.
//   - countWritten <= (countAllocated & countMask) <= maxCount.
//   - registeredWithTD transitions false->true exactly once per
//     clear-to-clear generation, performed by slot 0's producer.
type Buffer[Arg any] struct {
	_                [64]byte // cache-line isolation from neighboring buffers
	countAllocated   atomic.Uint64
	countWritten     atomic.Uint64
	registeredWithTD atomic.Bool
	_                [40]byte // pad the hot atomics out to a full line

	maxCount uint64
	region   *bufcache.Region[Arg]
	data     []Arg
}

// New constructs an unopened buffer of the given capacity. Callers
// must call Clear with a region from a bufcache.Cache before any
// Send/Flush traffic targets it.
func New[Arg any](maxCount int) *Buffer[Arg] {
	if maxCount == 0 {
		panic("msgbuf: maxCount must not be zero")
	}
	return &Buffer[Arg]{maxCount: uint64(maxCount)}
}

// MaxCount returns the buffer's fixed capacity.
func (b *Buffer[Arg]) MaxCount() uint64 { return b.maxCount }

// Empty reports whether no slot has been taken and no sender is
// active.
func (b *Buffer[Arg]) Empty() bool {
	return b.countAllocated.Load() == 0
}

// Clear swaps in a fresh backing region and reopens the buffer to
// producers. The precondition, per spec.md §4.2, is that the caller
// just observed senderActive set on countAllocated and that every
// consumer of the previous generation's contents (the transport send
// that just completed) is finished with it.
//
// Store order matters: region/data and the two housekeeping fields
// must become visible before the zeroing of countAllocated, since
// that final store is what releases waiting producers back into the
// buffer. atomic.Uint64.Store already carries release semantics on
// every architecture this module targets, so the ordering here is a
// consequence of *program order plus release-store semantics*, not
// an additional fence.
func (b *Buffer[Arg]) Clear(newRegion *bufcache.Region[Arg]) {
	b.region = newRegion
	b.data = newRegion.Data
	b.registeredWithTD.Store(false)
	b.countWritten.Store(0)
	b.countAllocated.Store(0) // must be last: this reopens the buffer
}

// AssertQuiescent panics if the buffer still has in-flight state. It
// is the destruct-time check from spec.md §4.2, called when a
// CoalescedMessageType is torn down.
func (b *Buffer[Arg]) AssertQuiescent() {
	if b.countAllocated.Load() != 0 || b.countWritten.Load() != 0 || b.registeredWithTD.Load() {
		panic("msgbuf: buffer torn down while not quiescent")
	}
}

// SlotResult is the outcome of a successful slot reservation, exposed
// so a CoalescedMessageType can apply spec.md §4.3 step 4's per-slot
// post-conditions.
type SlotResult struct {
	Index   uint64 // slot index within the current generation
	IsFirst bool
	IsLast  bool
}

// Reserve implements spec.md §4.3 steps 1-2: it spins until the
// buffer is open (no active sender, room for one more slot), then
// atomically reserves the next slot. It retries internally on lost
// races (a concurrent sender claimed the buffer, or a concurrent
// producer just filled it) and only returns once a slot has been won.
func (b *Buffer[Arg]) Reserve() SlotResult {
	for {
		spinWait(func() bool {
			x := b.countAllocated.Load()
			return (x&countMask) < b.maxCount && (x&senderActive) == 0
		})

		myID := b.countAllocated.Add(1) - 1
		if myID&senderActive != 0 {
			continue // lost to a concurrent sender claiming the buffer
		}
		if (myID & countMask) >= b.maxCount {
			continue // lost to a concurrent producer that just filled it
		}
		idx := myID & countMask
		return SlotResult{
			Index:   idx,
			IsFirst: idx == 0,
			IsLast:  idx == b.maxCount-1,
		}
	}
}

// Write publishes arg into the slot won by Reserve. It must be called
// at most once per SlotResult.
func (b *Buffer[Arg]) Write(s SlotResult, arg Arg) {
	b.data[s.Index] = arg
}

// RegisterWithTD performs the "first producer wins" exchange of
// registeredWithTD from false to true, returning true iff this call
// won the race (and so must notify the termination detector).
func (b *Buffer[Arg]) RegisterWithTD() (won bool) {
	return !b.registeredWithTD.Swap(true)
}

// MarkSenderActive stores the senderActive flag into countAllocated,
// which also zeroes the count field (senderActive's single set bit
// fully masks it) — this is how the last slot's producer claims
// exclusive transmission rights, per spec.md §4.3 step 4.
func (b *Buffer[Arg]) MarkSenderActive() {
	b.countAllocated.Store(senderActive)
}

// AdvanceWritten increments countWritten by one, publishing that a
// slot's payload write has completed. Producers call this after
// Write; coalesce's sendBuffer spin on AwaitWritten synchronizes with
// it.
func (b *Buffer[Arg]) AdvanceWritten() {
	b.countWritten.Add(1)
}

// TryStealQuiescent implements the CAS half of spec.md §4.4 step 3:
// given an observed count myID with 0 < myID < maxCount, it attempts
// to atomically claim sender exclusivity over that partial buffer. It
// retries the CAS internally while the observed value is still in
// that partial range (the raw count may have advanced without
// leaving it); it gives up as soon as the count leaves the partial
// range, since a full buffer or an already-active sender is the
// full-path sender's responsibility, not the flush path's.
//
// On success it returns (true, myID). On giving up it returns false.
func (b *Buffer[Arg]) TryStealQuiescent(myID uint64) (ok bool, claimed uint64) {
	for myID > 0 && myID < b.maxCount {
		if b.countAllocated.CompareAndSwap(myID, senderActive) {
			return true, myID
		}
		cpuRelax()
		myID = b.countAllocated.Load()
	}
	return false, 0
}

// Observe loads the current countAllocated word, for flush's
// quiescence comparison against lastActive.
func (b *Buffer[Arg]) Observe() uint64 {
	return b.countAllocated.Load()
}

// AwaitWritten spins until countWritten reaches count, the acquire
// side of the publication handoff described in spec.md §4.5 step 2:
// once it returns, every one of the first count slots' payload writes
// is visible to this goroutine.
func (b *Buffer[Arg]) AwaitWritten(count uint64) {
	spinWait(func() bool { return b.countWritten.Load() >= count })
}

// Snapshot returns the region and data slice currently installed,
// for coalesce's sendBuffer to hand off to the transport before
// calling Clear.
func (b *Buffer[Arg]) Snapshot() (*bufcache.Region[Arg], []Arg) {
	return b.region, b.data
}

// IsRegisteredWithTD reports the current value of registeredWithTD,
// for tests checking that slot 0's producer registered the buffer.
func (b *Buffer[Arg]) IsRegisteredWithTD() bool {
	return b.registeredWithTD.Load()
}
