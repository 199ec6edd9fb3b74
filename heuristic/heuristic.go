// Package heuristic provides the pluggable flush-decision objects called
// after every coalesced send: Default, which never fires early, and
// RelativeVelocity, which fires when the observed send rate drops between
// two sampling windows.
//
// RelativeVelocity's window-rotation state (start timestamp, last
// velocity) is grounded on the teacher's hot/cooldown window in
// control.go, which tracks elapsed time since the last signal to decide
// when a consumer should stop hot-spinning. Here the same shape — an
// elapsed-time check against a stored timestamp — decides whether the
// current window was slower than the previous one. Unlike control.go's
// globals, updated by any caller without synchronization, the window
// rotation here is serialized behind a mutex: spec.md §9 flags the
// original protocol's non-atomic timestamp access under a per-call
// atomic counter as a bug, not a feature to carry forward.
package heuristic

import (
	"sync"
	"sync/atomic"
	"time"
)

// Heuristic decides, after each send, whether the owning coalesced
// message type should flush now.
type Heuristic interface {
	Execute() bool
}

// Default never requests an early flush; buffers flush only when full
// or when an explicit Flush call observes quiescence.
type Default struct{}

// Execute always returns false.
func (Default) Execute() bool { return false }

// RelativeVelocity fires when the send rate observed in the current
// window is lower than the rate observed in the previous window, sampled
// every Threshold messages.
type RelativeVelocity struct {
	Threshold uint64 // messages per sampling window; defaults to 20 via New

	count atomic.Uint64

	mu           sync.Mutex
	windowStart  time.Time
	lastVelocity float64 // messages per second in the previous window; 0 until one full window has elapsed
}

// DefaultThreshold mirrors relative_velocity_heuristic_gen's C++ default.
const DefaultThreshold = 20

// NewRelativeVelocity constructs a velocity heuristic sampling every
// threshold messages. threshold <= 0 uses DefaultThreshold.
func NewRelativeVelocity(threshold uint64) *RelativeVelocity {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &RelativeVelocity{Threshold: threshold, windowStart: time.Now()}
}

// Execute increments the per-message-type counter on every call (every
// producer thread may call this concurrently) and, once every
// Threshold-th call, rotates the sampling window under a short critical
// section and reports whether the just-closed window was slower than
// the one before it.
func (h *RelativeVelocity) Execute() bool {
	n := h.count.Add(1)
	if n%h.Threshold != 0 {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(h.windowStart)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	velocity := float64(h.Threshold) / elapsed.Seconds()

	fire := h.lastVelocity > 0 && velocity < h.lastVelocity

	h.lastVelocity = velocity
	h.windowStart = now
	return fire
}

// Generator yields a fresh, per-message-type Heuristic instance. A
// coalesced message type calls this once at construction, mirroring
// counter_coalesced_message_type_gen's heuristic generator field.
type Generator interface {
	New() Heuristic
}

// DefaultGenerator yields Default heuristics.
type DefaultGenerator struct{}

// New returns a Default heuristic.
func (DefaultGenerator) New() Heuristic { return Default{} }

// RelativeVelocityGenerator yields RelativeVelocity heuristics sharing
// a common threshold, mirroring relative_velocity_heuristic_gen.
type RelativeVelocityGenerator struct {
	Threshold uint64
}

// New returns a fresh RelativeVelocity heuristic with this generator's
// threshold (0 uses DefaultThreshold).
func (g RelativeVelocityGenerator) New() Heuristic {
	return NewRelativeVelocity(g.Threshold)
}
