package loopback

import (
	"sync"
	"testing"
	"time"

	"github.com/lums658/ampp/rank"
	"github.com/lums658/ampp/transport"
)

func TestSendDeliversToDestHandler(t *testing.T) {
	net := New(2)
	shared := NewMessageType[int](net, 0)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	dest := shared.Bind(rank.Rank(1))
	dest.SetHandler(func(src rank.Rank, batch []int) {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
		close(done)
	})

	src := shared.Bind(rank.Rank(0))
	src.Send([]int{1, 2, 3, 4}, 4, rank.Rank(1), func() {})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 {
		t.Fatalf("got %d elements, want 4", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("got[%d] = %d, want %d (delivery should preserve batch order)", i, v, i+1)
		}
	}
}

func TestSendInvokesOnCompleteExactlyOnce(t *testing.T) {
	net := New(2)
	shared := NewMessageType[int](net, 0)

	handlerDone := make(chan struct{})
	dest := shared.Bind(rank.Rank(1))
	dest.SetHandler(func(src rank.Rank, batch []int) {})

	var calls int
	var mu sync.Mutex
	src := shared.Bind(rank.Rank(0))
	src.Send([]int{7}, 1, rank.Rank(1), func() {
		mu.Lock()
		calls++
		mu.Unlock()
		close(handlerDone)
	})

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onComplete")
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("onComplete called %d times, want exactly 1", calls)
	}
}

func TestEndEpochBlocksUntilQuiescent(t *testing.T) {
	net := New(2)
	shared := NewMessageType[int](net, 0)

	dest := shared.Bind(rank.Rank(1))
	src := shared.Bind(rank.Rank(0))

	src.MessageBeingBuilt(rank.Rank(1))
	if net.td.quiescent() {
		t.Fatal("network should not be quiescent while a message is being built")
	}

	processed := make(chan struct{})
	dest.SetHandler(func(r rank.Rank, batch []int) { close(processed) })
	src.Send([]int{9}, 1, rank.Rank(1), func() {})

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}

	// the loopback transport's own delivery loop does not call
	// HandlerDone itself (that is the installer's responsibility, per
	// transport.Transport.HandlerDone); simulate the one element's
	// completion the way coalesce's dispatch wrapper would.
	net.Rank(rank.Rank(1)).HandlerDone(rank.Rank(0))

	net.EndEpoch(time.Millisecond)
	if !net.td.quiescent() {
		t.Fatal("EndEpoch returned before quiescence")
	}
}

func TestTransportFlushObjectsRunOnRunFlush(t *testing.T) {
	net := New(1)
	tr := net.Rank(rank.Rank(0))

	var ran int
	tr.AddFlushObject(func() bool {
		ran++
		return true
	})
	tr.AddFlushObject(func() bool {
		ran++
		return false
	})

	tr.RunFlush()
	if ran != 2 {
		t.Fatalf("RunFlush invoked %d flush objects, want 2", ran)
	}
}

func TestTransportIsValidRank(t *testing.T) {
	net := New(3)
	tr := net.Rank(rank.Rank(0))

	if !tr.IsValidRank(rank.Rank(2)) {
		t.Fatal("rank 2 should be valid in a 3-rank network")
	}
	if tr.IsValidRank(rank.Rank(3)) {
		t.Fatal("rank 3 should be invalid in a 3-rank network")
	}
}

func TestSchedulerRunOneReportsWork(t *testing.T) {
	net := New(1)
	tr := net.Rank(rank.Rank(0))

	calls := 0
	tr.AddIdleTask(func(s transport.Scheduler) transport.IdleTaskResult {
		calls++
		return transport.TrBusyAndFinished
	})

	if ran := tr.Scheduler().RunOne(); !ran {
		t.Fatal("RunOne should report work when an idle task reports TrBusyAndFinished")
	}
	if calls != 1 {
		t.Fatalf("idle task invoked %d times, want 1", calls)
	}

	tr2 := net.Rank(rank.Rank(0))
	tr2.AddIdleTask(func(s transport.Scheduler) transport.IdleTaskResult {
		return transport.TrIdle
	})
	// the TrBusyAndFinished task above remains registered and still
	// reports work, so RunOne should still report true overall.
	if ran := tr2.Scheduler().RunOne(); !ran {
		t.Fatal("RunOne should report true if any registered task reports work")
	}
}

func TestNewMessageTypeStoresPriority(t *testing.T) {
	net := New(1)
	if got := NewMessageType[int](net, 0).Priority(); got != 0 {
		t.Fatalf("Priority() = %d, want 0", got)
	}
	if got := NewMessageType[int](net, 1).Priority(); got != 1 {
		t.Fatalf("Priority() = %d, want 1", got)
	}
}

func TestMultipleSourcesDeliverIndependently(t *testing.T) {
	net := New(3)
	shared := NewMessageType[int](net, 0)

	var mu sync.Mutex
	seenFrom := map[rank.Rank]int{}
	var wg sync.WaitGroup
	wg.Add(2)

	dest := shared.Bind(rank.Rank(2))
	dest.SetHandler(func(src rank.Rank, batch []int) {
		mu.Lock()
		if _, ok := seenFrom[src]; !ok {
			seenFrom[src] = batch[0]
			wg.Done()
		}
		mu.Unlock()
	})

	a := shared.Bind(rank.Rank(0))
	b := shared.Bind(rank.Rank(1))
	a.Send([]int{100}, 1, rank.Rank(2), func() {})
	b.Send([]int{200}, 1, rank.Rank(2), func() {})

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both sources to deliver")
	}

	mu.Lock()
	defer mu.Unlock()
	if seenFrom[rank.Rank(0)] != 100 || seenFrom[rank.Rank(1)] != 200 {
		t.Fatalf("unexpected per-source delivery: %v", seenFrom)
	}
}
