// Package coalesce implements CoalescedMessageType, the per-(element
// type, handler) owner of one coalescing buffer per destination: the
// core of the coalescing transport layer (spec.md §2 item 3, §4.3-§4.5,
// §4.8).
//
// Grounded on aggregator.go's top-level per-core orchestration struct
// (AggregatorState owning one ring per core plus the shared dedup/
// priority-queue state) for the shape of a single object fanning out
// per-destination state and installing a dispatch callback, and on
// ring32/pinned_consumer.go's spin/drain loop for Flush's per-destination
// sweep.
package coalesce

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lums658/ampp/bufcache"
	"github.com/lums658/ampp/config"
	"github.com/lums658/ampp/heuristic"
	"github.com/lums658/ampp/msgbuf"
	"github.com/lums658/ampp/perfcounters"
	"github.com/lums658/ampp/rank"
	"github.com/lums658/ampp/sorter"
	"github.com/lums658/ampp/transport"
)

var nextTypeID atomic.Int64

// CoalescedMessageType is the per-(element type, handler) owner of one
// outgoing msgbuf.Buffer per destination rank, a shared coalescing
// heuristic, and the installed inbound dispatch path.
type CoalescedMessageType[Arg any] struct {
	tr   transport.Transport
	mt   transport.MessageType[Arg]
	id   int
	size int

	cache    *bufcache.Cache[Arg]
	maxCount int

	outgoing   []*msgbuf.Buffer[Arg]
	lastActive []atomic.Uint64
	dests      rank.Set

	heur    heuristic.Heuristic
	hooks   perfcounters.Hooks
	srt     sorter.BufferSorter[Arg]
	handler func(src rank.Rank, arg Arg)

	alive  atomic.Bool
	logger *zap.Logger
}

// Option configures a CoalescedMessageType at construction time.
type Option[Arg any] func(*CoalescedMessageType[Arg])

// WithHooks installs a non-default perfcounters.Hooks implementation.
func WithHooks[Arg any](h perfcounters.Hooks) Option[Arg] {
	return func(c *CoalescedMessageType[Arg]) { c.hooks = h }
}

// WithSorter installs a non-default sorter.BufferSorter, applied to
// each inbound batch before element-wise dispatch.
func WithSorter[Arg any](s sorter.BufferSorter[Arg]) Option[Arg] {
	return func(c *CoalescedMessageType[Arg]) { c.srt = s }
}

// WithPossibleDests restricts the set of ranks Flush sweeps and that
// is declared to mt as possible destinations. A buffer is still
// created for every rank in the transport's group.
func WithPossibleDests[Arg any](s rank.Set) Option[Arg] {
	return func(c *CoalescedMessageType[Arg]) { c.dests = s }
}

// WithLogger overrides the package default logger for this instance.
func WithLogger[Arg any](l *zap.Logger) Option[Arg] {
	return func(c *CoalescedMessageType[Arg]) { c.logger = l }
}

// WithHeuristicGenerator overrides the heuristic cfg.Heuristic would
// otherwise select.
func WithHeuristicGenerator[Arg any](g heuristic.Generator) Option[Arg] {
	return func(c *CoalescedMessageType[Arg]) { c.heur = g.New() }
}

func generatorFromConfig(cfg config.CoalescingConfig) heuristic.Generator {
	switch cfg.Heuristic {
	case "", "default":
		return heuristic.DefaultGenerator{}
	case "relative_velocity":
		return heuristic.RelativeVelocityGenerator{Threshold: cfg.VelocityThreshold}
	default:
		panic(fmt.Sprintf("coalesce: unknown heuristic %q", cfg.Heuristic))
	}
}

// New constructs a CoalescedMessageType implementing spec.md §4.8's
// construction sequence: allocate the buffer cache, configure mt with
// max-count and possible sources/dests, install the inbound dispatch
// wrapper, register Flush as a transport flush object, and initialize
// every destination buffer with a fresh region.
//
// mt must be a transport.MessageType[Arg] freshly obtained from tr (or
// an equivalent collaborator, e.g. a loopback.Shared's Bind); New takes
// ownership of configuring it and must not be called twice on the same
// handle.
func New[Arg any](tr transport.Transport, mt transport.MessageType[Arg], cfg config.CoalescingConfig, handler func(src rank.Rank, arg Arg), opts ...Option[Arg]) *CoalescedMessageType[Arg] {
	if cfg.CoalescingSize <= 0 {
		panic("coalesce: coalescing size must be positive")
	}
	if handler == nil {
		panic("coalesce: handler must not be nil")
	}

	size := tr.Size()
	c := &CoalescedMessageType[Arg]{
		tr:       tr,
		mt:       mt,
		id:       int(nextTypeID.Add(1)),
		size:     size,
		cache:    bufcache.New[Arg](cfg.CoalescingSize),
		maxCount: cfg.CoalescingSize,
		dests:    rank.All(size),
		hooks:    perfcounters.Noop{},
		srt:      sorter.NoopSorter[Arg]{},
		heur:     generatorFromConfig(cfg).New(),
		handler:  handler,
		logger:   nopLogger(),
	}
	c.alive.Store(true)

	for _, opt := range opts {
		opt(c)
	}

	c.outgoing = make([]*msgbuf.Buffer[Arg], size)
	c.lastActive = make([]atomic.Uint64, size)
	for i := 0; i < size; i++ {
		b := msgbuf.New[Arg](cfg.CoalescingSize)
		b.Clear(c.cache.Allocate())
		c.outgoing[i] = b
	}

	mt.SetMaxCount(cfg.CoalescingSize)
	mt.SetPossibleSources(rank.All(size))
	mt.SetPossibleDests(c.dests)
	mt.SetHandler(c.dispatch)

	tr.AddFlushObject(func() bool { return c.Flush() })

	c.logger.Debug("coalesced message type constructed",
		zap.Int("type_id", c.id), zap.Int("coalescing_size", cfg.CoalescingSize), zap.Int("size", size))
	return c
}

// dispatch is the wrapper New installs via mt.SetHandler: sort the
// whole inbound batch, then invoke the user handler and the
// termination-detector/perf-counter hooks once per element, per
// spec.md §4.6.
func (c *CoalescedMessageType[Arg]) dispatch(src rank.Rank, batch []Arg) {
	c.srt.Sort(batch)
	for _, arg := range batch {
		c.hooks.MessageReceived(src)
		c.handler(src, arg)
		c.tr.HandlerDone(src)
	}
}

// Send implements spec.md §4.3: the five-step producer protocol
// against outgoing_buffers[dest].
func (c *CoalescedMessageType[Arg]) Send(arg Arg, dest rank.Rank) {
	if !c.tr.IsValidRank(dest) {
		panic(fmt.Sprintf("coalesce: invalid destination rank %d", dest))
	}
	buf := c.outgoing[dest]

	s := buf.Reserve()
	buf.Write(s, arg)

	// Per spec.md §4.3 step 4: slot 0 and the last slot each carry their
	// own post-condition (registration, then — for the last slot only
	// — claiming sender exclusivity), but a buffer of capacity 1 has a
	// single slot that is both, so RegisterWithTD must tolerate being
	// called twice (it is idempotent: only the first call notifies the
	// termination detector) and count_written is advanced exactly once
	// regardless of which branches ran.
	if s.IsFirst {
		if buf.RegisterWithTD() {
			c.mt.MessageBeingBuilt(dest)
		}
	}
	if s.IsLast {
		if buf.RegisterWithTD() {
			c.mt.MessageBeingBuilt(dest)
		}
		buf.MarkSenderActive()
	}
	buf.AdvanceWritten()
	if s.IsLast {
		c.hooks.FullBufferSend(dest, c.maxCount)
		c.sendBuffer(buf, dest, buf.MaxCount())
	}

	if c.heur.Execute() {
		c.Flush()
	}
}

// SendWithTID is identical to Send; the thread-id parameter is
// currently unused, preserved for source-level compatibility per
// spec.md §6.
func (c *CoalescedMessageType[Arg]) SendWithTID(arg Arg, dest rank.Rank, tid int) {
	c.Send(arg, dest)
}

// MessageBeingBuilt is the external proactive termination-detector
// notification path named in spec.md §6, independent of the
// auto-registration Send performs on slot 0.
func (c *CoalescedMessageType[Arg]) MessageBeingBuilt(dest rank.Rank) {
	c.mt.MessageBeingBuilt(dest)
}

// Flush implements spec.md §4.4: a two-phase quiescence sweep over
// every possible destination. It returns false immediately, doing
// nothing, once the owner has been torn down.
func (c *CoalescedMessageType[Arg]) Flush() bool {
	if !c.alive.Load() {
		return false
	}

	n := c.dests.Count()
	for i := 0; i < n; i++ {
		r := c.dests.At(i)
		buf := c.outgoing[r]

		myID := buf.Observe()
		last := &c.lastActive[r]
		if myID != last.Load() {
			last.Store(myID)
			continue
		}

		ok, claimed := buf.TryStealQuiescent(myID)
		if !ok {
			continue
		}
		if claimed > 0 {
			c.hooks.FlushedMessage(r, int(claimed))
		}
		c.sendBuffer(buf, r, claimed)
	}
	return true
}

// sendBuffer implements spec.md §4.5, the helper shared by Send's
// full-buffer path and Flush's quiescent-steal path. count is always
// positive: Send calls this only after filling the last slot
// (buf.MaxCount() >= 1), and Flush calls this only after
// TryStealQuiescent reports success, which it does only for
// 0 < myID < maxCount.
func (c *CoalescedMessageType[Arg]) sendBuffer(buf *msgbuf.Buffer[Arg], dest rank.Rank, count uint64) {
	buf.AwaitWritten(count)
	region, data := buf.Snapshot()
	buf.Clear(c.cache.Allocate())

	c.mt.Send(data, int(count), dest, func() { region.Release() })
}

// Close implements spec.md §4.8's destruction sequence: mark the
// owner dead so any already-scheduled Flush becomes a no-op, assert
// every buffer is quiescent, then let the cache (and its regions) be
// collected.
func (c *CoalescedMessageType[Arg]) Close() {
	c.alive.Store(false)
	for _, buf := range c.outgoing {
		buf.AssertQuiescent()
	}
	c.logger.Debug("coalesced message type closed", zap.Int("type_id", c.id))
}

// Alive exposes the liveness flag scheduled Flush invocations close
// over, for tests exercising spec.md Testable Property 7 (a flush task
// scheduled before teardown and run after returns false).
func (c *CoalescedMessageType[Arg]) Alive() *atomic.Bool { return &c.alive }
