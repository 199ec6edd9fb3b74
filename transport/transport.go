// Package transport names the external collaborators the coalescing
// layer is built against, per spec.md §6: the point-to-point transport
// itself, its scheduler, and the termination-detector hooks the
// transport exposes. The coalescing core (bufcache, msgbuf, heuristic,
// coalesce) depends only on these interfaces; transport/loopback is one
// concrete, in-process implementation used by this module's own tests
// and demo command, not a production wire transport.
package transport

import "github.com/lums658/ampp/rank"

// Transport is the point-to-point transport the coalescing layer
// batches sends onto. A Transport instance represents one rank's view
// of the group.
type Transport interface {
	// Rank returns this transport instance's own rank.
	Rank() rank.Rank
	// Size returns the number of ranks in the group.
	Size() int
	// IsValidRank reports whether r is a member of the group.
	IsValidRank(r rank.Rank) bool

	// AddFlushObject registers a callable invoked during epoch
	// quiescence, i.e. a CoalescedMessageType's Flush method.
	AddFlushObject(f FlushObject)
	// AddIdleTask registers a task the scheduler runs when otherwise
	// idle. coalesce.New does not register one; it registers Flush
	// through AddFlushObject only.
	AddIdleTask(task IdleTask)
	// Scheduler returns this rank's scheduler, letting tests and demos
	// pump RunOne directly without a full event loop.
	Scheduler() Scheduler

	// MessageBeingBuilt notifies the termination detector that a
	// message destined for dest, of the given message-type id, is
	// being accumulated and has not yet been sent.
	MessageBeingBuilt(dest rank.Rank, msgTypeID int)
	// HandlerDone notifies the termination detector that one inbound
	// element's handler invocation, originating from src, has
	// returned.
	HandlerDone(src rank.Rank)
}

// FlushObject is a callable the transport invokes during epoch
// quiescence, mirroring amplusplus::transport::add_flush_object.
type FlushObject func() bool

// IdleTaskResult is a scheduler idle task's self-reported disposition,
// per spec.md §6.
type IdleTaskResult int

const (
	// TrRemoveFromQueue tells the scheduler this task need not run again.
	TrRemoveFromQueue IdleTaskResult = iota
	// TrIdle tells the scheduler the task found nothing to do.
	TrIdle
	// TrBusyAndFinished tells the scheduler the task did work and
	// should be re-polled promptly.
	TrBusyAndFinished
)

// IdleTask is a unit of scheduler-run background work, e.g. a periodic
// flush pass.
type IdleTask func(s Scheduler) IdleTaskResult

// Scheduler runs idle tasks and inbound-handler invocations.
type Scheduler interface {
	// AddIdleTask registers f to run whenever the scheduler is
	// otherwise idle.
	AddIdleTask(f IdleTask)
	// RunOne drains and runs a single pending task, reporting whether
	// it found one. Used by end-of-epoch test/demo loops that need to
	// pump the scheduler without a full run-to-completion call.
	RunOne() bool
}

// MessageType is a transport handle bound to one element type and one
// inbound handler, mirroring amplusplus::transport::message_type<T>.
// CoalescedMessageType owns exactly one of these per (element type,
// handler) pair.
type MessageType[Arg any] interface {
	// SetMaxCount fixes the largest batch this handle will ever be
	// asked to send. The loopback implementation records it but does
	// not use it; its delivery ring has a fixed capacity.
	SetMaxCount(n int)
	// SetHandler installs the function invoked once per inbound batch,
	// with its full, as-received element slice; sorting and per-element
	// dispatch are the installer's concern (spec.md §4.6), not the
	// transport's.
	SetHandler(h func(src rank.Rank, batch []Arg))
	// SetPossibleSources declares which ranks may appear as src on
	// inbound batches.
	SetPossibleSources(s rank.Set)
	// SetPossibleDests declares which ranks are valid Send targets.
	SetPossibleDests(s rank.Set)
	// MessageBeingBuilt is the proactive termination-detector
	// notification path named directly in spec.md §6, independent of
	// the auto-registration Send performs on slot 0.
	MessageBeingBuilt(dest rank.Rank)
	// Send hands a filled batch to the transport for delivery to dest.
	// onComplete runs once the transport is done with buf (so the
	// caller may recycle its backing storage); Send may call it
	// synchronously or from another goroutine, but always exactly
	// once.
	Send(buf []Arg, count int, dest rank.Rank, onComplete func())
}
