// Ring is a lock-free multi-producer/single-consumer queue of pending
// inbound batches, one per (source rank, destination rank) pair.
// Grounded on ring56.Ring and ring32.Ring's power-of-two slot array and
// sequence-number ticket scheme, with two generalizations: the payload
// is a pointer to a generic batch rather than a fixed-size [56]byte
// (an element type's size is not known until instantiation), and the
// producer side gains the same atomic-fetch-then-resolve race handling
// already used by msgbuf.Buffer.Reserve, because a ring keyed by one
// (src, dest) pair is not actually single-producer here: coalesce's
// sendBuffer clears a buffer (reopening it to new producers) before
// handing its contents to Send, so a second generation can fill and
// trigger its own send while the first generation's Send call is still
// in flight. The teacher's rings assume a single writer and would
// corrupt a slot under that handoff; this ring claims its tail slot
// with a compare-and-swap before writing, the same way Reserve claims
// a msgbuf slot.
package loopback

import (
	"sync/atomic"

	"github.com/lums658/ampp/rank"
)

// batch is one transmitted message: the elements a CoalescedMessageType
// handed to Send, tagged with their originating rank, plus the
// completion hook Send must invoke exactly once after delivery.
type batch[Arg any] struct {
	src        rank.Rank
	data       []Arg
	onComplete func()
}

type slot[Arg any] struct {
	val *batch[Arg]
	seq atomic.Uint64
}

// ring is multi-producer/single-consumer: any number of goroutines may
// call push concurrently (two overlapping coalescing generations for
// the same destination, see the package doc comment above), but
// exactly one delivery goroutine per destination calls pop.
type ring[Arg any] struct {
	_    [64]byte // cache-line isolation, consumer cursor
	head uint64

	_    [64]byte // cache-line isolation, producer cursor
	tail atomic.Uint64

	_ [64]byte // isolation from neighboring fields

	mask uint64
	step uint64
	buf  []slot[Arg]
}

func newRing[Arg any](size int) *ring[Arg] {
	if size <= 0 || size&(size-1) != 0 {
		panic("loopback: ring size must be a positive power of two")
	}
	r := &ring[Arg]{mask: uint64(size - 1), step: uint64(size), buf: make([]slot[Arg], size)}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// push claims a tail slot with a compare-and-swap (so two concurrent
// producers never write the same slot, mirroring msgbuf.Buffer.Reserve's
// fetch-add race resolution) and returns false if the ring is full.
func (r *ring[Arg]) push(b *batch[Arg]) bool {
	for {
		t := r.tail.Load()
		s := &r.buf[t&r.mask]
		if s.seq.Load() != t {
			return false
		}
		if r.tail.CompareAndSwap(t, t+1) {
			s.val = b
			s.seq.Store(t + 1)
			return true
		}
	}
}

// pushWait spins until push succeeds. The delivery ring's capacity is
// sized generously relative to how fast a single source can refill a
// coalescing buffer, so contention here indicates a slow consumer, not
// a protocol race; spinning (rather than dropping) preserves the "no
// reliable-delivery guarantees beyond what the transport gives" stance
// of spec.md §1 by never silently discarding a batch.
func (r *ring[Arg]) pushWait(b *batch[Arg]) {
	for !r.push(b) {
		cpuRelax()
	}
}

func (r *ring[Arg]) pop() *batch[Arg] {
	h := r.head
	s := &r.buf[h&r.mask]
	if s.seq.Load() != h+1 {
		return nil
	}
	v := s.val
	s.val = nil
	s.seq.Store(h + r.step)
	r.head = h + 1
	return v
}
