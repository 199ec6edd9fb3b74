// Package perfcounters names the performance-counter hook call sites
// the original am++ source invokes from inside the coalescing layer's
// hot paths, per SPEC_FULL.md §8: message_received, full_buffer_send,
// and flushed_message_size. spec.md §1 treats performance-counter hooks
// as an external collaborator specified only at the interface; this
// package is that interface, plus a no-op default so CoalescedMessageType
// never needs a nil check on its hot path.
package perfcounters

import "github.com/lums658/ampp/rank"

// Hooks receives counter events from a CoalescedMessageType. All three
// methods are called inline on the hot send/flush/dispatch paths, so
// implementations must not block.
type Hooks interface {
	// MessageReceived fires once per inbound element, after sorting
	// and before the user handler runs.
	MessageReceived(src rank.Rank)
	// FullBufferSend fires when a producer's slot reservation fills a
	// buffer and triggers an immediate transmit (spec.md §4.3 step 4).
	FullBufferSend(dest rank.Rank, count int)
	// FlushedMessage fires when Flush steals and transmits a partial
	// buffer (spec.md §4.4 step 3).
	FlushedMessage(dest rank.Rank, count int)
}

// Noop implements Hooks with no-ops; it is the default when a
// CoalescedMessageType is constructed without an explicit Hooks.
type Noop struct{}

func (Noop) MessageReceived(rank.Rank)     {}
func (Noop) FullBufferSend(rank.Rank, int) {}
func (Noop) FlushedMessage(rank.Rank, int) {}
