// Package bufcache provides a per-destination-size free list of
// fixed-capacity backing regions for coalescing message buffers.
//
// Regions are handed out by Allocate and returned by Release. The
// free list itself is a lock-free Treiber stack (a single CAS'd
// pointer, linking nodes through their own next field) rather than a
// mutex-guarded slice, since Allocate/Release must be safe to call
// from producer threads and from transport send-completion callbacks
// running on arbitrary goroutines. The shape mirrors the singly
// linked free chain in QuantumQueue's arena allocator, generalized
// from a single-threaded index freelist to a CAS-based one.
package bufcache

import "sync/atomic"

// Region is one fixed-capacity backing array, owned by exactly one
// in-flight msgbuf.Buffer at a time between Release calls.
type Region[Arg any] struct {
	Data  []Arg
	cache *Cache[Arg]
	next  atomic.Pointer[Region[Arg]] // free-list link; unused while checked out
}

// Release returns the region to its cache's free list. Safe to call
// concurrently with Allocate and with other Release calls.
func (r *Region[Arg]) Release() {
	r.cache.push(r)
}

// Cache is a free list of regions, all sized for maxCount elements of
// type Arg. Thread-safe under concurrent Allocate and Release.
type Cache[Arg any] struct {
	maxCount int
	free     atomic.Pointer[Region[Arg]]
}

// New constructs a cache producing regions of maxCount elements each.
// maxCount must be positive.
func New[Arg any](maxCount int) *Cache[Arg] {
	if maxCount <= 0 {
		panic("bufcache: maxCount must be positive")
	}
	return &Cache[Arg]{maxCount: maxCount}
}

// Allocate returns a region from the free list, or a freshly made one
// if the free list is empty.
func (c *Cache[Arg]) Allocate() *Region[Arg] {
	for {
		head := c.free.Load()
		if head == nil {
			return &Region[Arg]{Data: make([]Arg, c.maxCount), cache: c}
		}
		next := head.next.Load()
		if c.free.CompareAndSwap(head, next) {
			return head
		}
	}
}

func (c *Cache[Arg]) push(r *Region[Arg]) {
	for {
		head := c.free.Load()
		r.next.Store(head)
		if c.free.CompareAndSwap(head, r) {
			return
		}
	}
}

// Size reports the number of regions currently resting in the free
// list (not the number ever allocated). Used by tests to verify that
// released regions return to the free list.
func (c *Cache[Arg]) Size() int {
	n := 0
	for p := c.free.Load(); p != nil; p = p.next.Load() {
		n++
	}
	return n
}
