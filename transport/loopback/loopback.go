// Package loopback is an in-process, multi-rank reference transport:
// the one concrete implementation of the transport package's
// interfaces used by this module's own tests and demo command. It is
// not a production wire transport (spec.md §1 scopes the real wire
// transport out); it exists to drive the coalescing core end-to-end
// without a real network.
//
// Grounded on the teacher's multi-core fan-in shape: aggregator.go's
// InitializeAggregatorSystem polls a fixed array of per-core rings in
// a tight loop (for i := 0; i < coreCount; i++ { p := rings[i].Pop() }),
// dispatching whatever it finds; loopback's delivery goroutine polls a
// rank's per-source inbound rings the same way. The rings themselves
// are ring56.Ring/ring32.Ring generalized to a generic payload (see
// ring.go). control.go's global hot/stop uint32 flags are the model for
// the liveness flag a delivery goroutine checks to exit cleanly.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lums658/ampp/rank"
	"github.com/lums658/ampp/transport"
)

const ringCapacity = 1 << 10 // pending batches per (src, dest) pair, not elements

// terminationDetector implements spec.md §6's message_being_built /
// handler_done hooks with two counters: the number of batches
// currently being accumulated but not yet sent, and the number of
// individual elements sent but not yet handled. An epoch is quiescent
// once both are zero.
type terminationDetector struct {
	building atomic.Int64
	inFlight atomic.Int64
}

func (td *terminationDetector) messageBeingBuilt() { td.building.Add(1) }
func (td *terminationDetector) sent(count int) {
	td.building.Add(-1)
	td.inFlight.Add(int64(count))
}
func (td *terminationDetector) handlerDone() { td.inFlight.Add(-1) }
func (td *terminationDetector) quiescent() bool {
	return td.building.Load() == 0 && td.inFlight.Load() == 0
}

// Network is the shared simulated cluster: size ranks, each with its
// own Transport facade, plus one termination detector shared by the
// whole group (termination is a group-wide property, not a per-rank
// one).
type Network struct {
	size int
	td   terminationDetector

	mu            sync.Mutex
	nextMsgTypeID int
	ranks         []*Transport
}

// New constructs a Network of the given size and one Transport per
// rank.
func New(size int) *Network {
	if size <= 0 {
		panic("loopback: network size must be positive")
	}
	n := &Network{size: size}
	n.ranks = make([]*Transport, size)
	for i := range n.ranks {
		n.ranks[i] = &Transport{net: n, self: rank.Rank(i)}
	}
	return n
}

// Rank returns the Transport facade for rank r.
func (n *Network) Rank(r rank.Rank) *Transport { return n.ranks[r] }

// EndEpoch blocks until the termination detector reports quiescence
// (no batch being built, no element in flight), polling at the given
// interval. It mirrors a scheduler's run-to-completion call at the
// close of an am++ epoch.
func (n *Network) EndEpoch(pollInterval time.Duration) {
	for !n.td.quiescent() {
		time.Sleep(pollInterval)
	}
}

// scheduler is the per-rank Scheduler: a list of idle tasks, each
// polled once per RunOne call, so an end-epoch loop can pump them
// without a full scheduler implementation.
type scheduler struct {
	mu    sync.Mutex
	tasks []transport.IdleTask
}

func (s *scheduler) AddIdleTask(f transport.IdleTask) {
	s.mu.Lock()
	s.tasks = append(s.tasks, f)
	s.mu.Unlock()
}

func (s *scheduler) RunOne() bool {
	s.mu.Lock()
	tasks := make([]transport.IdleTask, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	ran := false
	for _, t := range tasks {
		if t(s) == transport.TrBusyAndFinished {
			ran = true
		}
	}
	return ran
}

// Transport implements transport.Transport for one rank of a Network.
type Transport struct {
	net  *Network
	self rank.Rank

	mu        sync.Mutex
	flushObjs []transport.FlushObject
	sched     scheduler
}

func (t *Transport) Rank() rank.Rank             { return t.self }
func (t *Transport) Size() int                   { return t.net.size }
func (t *Transport) IsValidRank(r rank.Rank) bool { return uint32(r) < uint32(t.net.size) }

func (t *Transport) AddFlushObject(f transport.FlushObject) {
	t.mu.Lock()
	t.flushObjs = append(t.flushObjs, f)
	t.mu.Unlock()
}

func (t *Transport) AddIdleTask(task transport.IdleTask) { t.sched.AddIdleTask(task) }
func (t *Transport) Scheduler() transport.Scheduler       { return &t.sched }

func (t *Transport) MessageBeingBuilt(dest rank.Rank, msgTypeID int) { t.net.td.messageBeingBuilt() }
func (t *Transport) HandlerDone(src rank.Rank)                       { t.net.td.handlerDone() }

// RunFlush invokes every flush object this rank has registered, once
// each. A test/demo stand-in for the scheduler's periodic flush pass,
// since loopback does not run a real idle-task scheduler loop.
func (t *Transport) RunFlush() {
	t.mu.Lock()
	fs := make([]transport.FlushObject, len(t.flushObjs))
	copy(fs, t.flushObjs)
	t.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

// Shared[Arg] is one logical message type's state, shared by every
// rank's bound handle: the per-(src,dest) ring matrix, the priority,
// and which ranks have a delivery goroutine running. The handler is
// not kept here: each rank's handle holds its own, which applies to
// that rank's own inbound traffic only.
type Shared[Arg any] struct {
	net      *Network
	id       int
	priority int
	maxCount int

	mu    sync.Mutex
	rings map[[2]rank.Rank]*ring[Arg] // keyed by [src][dest]

	started map[rank.Rank]bool // which dests have a delivery goroutine running
}

// NewMessageType allocates a fresh logical message type over net, with
// the given scheduler priority (0 or 1, per spec.md §6). Priority 1
// delivery goroutines (startDelivery) back off later under an empty
// poll than priority 0 ones, the loopback stand-in for "the scheduler
// services this message type's inbound runqueue more eagerly."
func NewMessageType[Arg any](net *Network, priority int) *Shared[Arg] {
	net.mu.Lock()
	id := net.nextMsgTypeID
	net.nextMsgTypeID++
	net.mu.Unlock()
	return &Shared[Arg]{
		net:      net,
		id:       id,
		priority: priority,
		maxCount: 1,
		rings:    make(map[[2]rank.Rank]*ring[Arg]),
		started:  make(map[rank.Rank]bool),
	}
}

// Priority returns the scheduler priority this message type was
// constructed with.
func (s *Shared[Arg]) Priority() int { return s.priority }

func (s *Shared[Arg]) ringFor(src, dest rank.Rank) *ring[Arg] {
	key := [2]rank.Rank{src, dest}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rings[key]
	if r == nil {
		r = newRing[Arg](ringCapacity)
		s.rings[key] = r
	}
	return r
}

// handle is the per-rank transport.MessageType[Arg] implementation
// bound to a Shared's rings. It delivers batches to the installed
// handler in received order, undifferentiated; any sorting of a
// batch's elements before dispatch is coalesce's concern (spec.md
// §4.6), not the transport's.
type handle[Arg any] struct {
	shared *Shared[Arg]
	self   rank.Rank

	handler func(src rank.Rank, batch []Arg)
}

// Bind returns self's transport.MessageType[Arg] handle on shared,
// equivalent to each rank separately calling
// transport.create_message_type<T>() for the same logical type.
func (s *Shared[Arg]) Bind(self rank.Rank) transport.MessageType[Arg] {
	return &handle[Arg]{shared: s, self: self}
}

func (h *handle[Arg]) SetMaxCount(n int) {
	h.shared.mu.Lock()
	h.shared.maxCount = n
	h.shared.mu.Unlock()
}

func (h *handle[Arg]) SetHandler(fn func(src rank.Rank, batch []Arg)) {
	h.handler = fn
	h.startDelivery()
}

func (h *handle[Arg]) SetPossibleSources(s rank.Set) {
	// loopback pre-creates rings lazily on first use; declaring sources
	// has no separate effect beyond documenting intent, since every
	// (src, dest) ring exists independent of this declaration.
	_ = s
}

func (h *handle[Arg]) SetPossibleDests(s rank.Set) { _ = s }

func (h *handle[Arg]) MessageBeingBuilt(dest rank.Rank) {
	h.shared.net.Rank(h.self).MessageBeingBuilt(dest, h.shared.id)
}

func (h *handle[Arg]) Send(buf []Arg, count int, dest rank.Rank, onComplete func()) {
	data := make([]Arg, count)
	copy(data, buf[:count])

	h.shared.net.td.sent(count)

	r := h.shared.ringFor(h.self, dest)
	r.pushWait(&batch[Arg]{src: h.self, data: data, onComplete: onComplete})
}

// startDelivery launches, at most once, the goroutine that drains every
// inbound ring addressed to h.self and dispatches to h.handler. It is
// the generalized, non-OS-pinned counterpart of ring32.PinnedConsumer:
// the same poll-then-backoff spin shape, without the platform affinity
// calls, since loopback is a test/demo transport rather than a
// latency-sensitive production one.
func (h *handle[Arg]) startDelivery() {
	s := h.shared
	s.mu.Lock()
	if s.started[h.self] {
		s.mu.Unlock()
		return
	}
	s.started[h.self] = true
	s.mu.Unlock()

	// priority 1 tolerates more consecutive empty polls before yielding
	// the CPU, the same direction of effect as a higher-priority
	// runqueue entry getting serviced more eagerly.
	missLimit := 64
	if s.priority >= 1 {
		missLimit = 256
	}

	go func() {
		miss := 0
		for {
			delivered := false
			s.mu.Lock()
			sources := make([]*ring[Arg], 0, len(s.rings))
			for key, r := range s.rings {
				if key[1] == h.self {
					sources = append(sources, r)
				}
			}
			s.mu.Unlock()

			for _, r := range sources {
				b := r.pop()
				if b == nil {
					continue
				}
				delivered = true
				h.handler(b.src, b.data)
				if b.onComplete != nil {
					b.onComplete()
				}
			}

			if delivered {
				miss = 0
				continue
			}
			if miss++; miss >= missLimit {
				miss = 0
				cpuRelax()
			}
		}
	}()
}
