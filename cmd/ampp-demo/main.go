// Command ampp-demo wires coalesce, transport/loopback, and
// perfcounters/sqlitestore across a handful of simulated ranks and
// drives a burst of traffic, the way the shared-memory transport
// example's cmd/debug-capacity tool constructs an endpoint, drives
// traffic through it, and prints what it observed.
//
// It is a demonstration harness for this module's own development,
// not a production launcher: the group size, producer count, and
// message count are fixed flags, and the "transport" is the in-process
// loopback reference implementation (spec.md §1 scopes a real wire
// transport out).
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lums658/ampp/coalesce"
	"github.com/lums658/ampp/config"
	"github.com/lums658/ampp/heuristic"
	"github.com/lums658/ampp/perfcounters/sqlitestore"
	"github.com/lums658/ampp/rank"
	"github.com/lums658/ampp/transport/loopback"
)

func main() {
	size := flag.Int("ranks", 4, "number of simulated ranks")
	producers := flag.Int("producers", 4, "producer goroutines per rank")
	perProducer := flag.Int("count", 2000, "messages sent by each producer goroutine")
	coalescingSize := flag.Int("coalescing-size", 64, "per-destination buffer capacity")
	useVelocity := flag.Bool("velocity", false, "use the relative-velocity flush heuristic instead of the default")
	dbPath := flag.String("db", "ampp-demo-counters.db", "sqlite path for perf counters")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ampp-demo: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		logger.Fatal("open perf counter store", zap.Error(err))
	}
	defer store.Close()

	cfg := config.Default(*coalescingSize)
	var opts []coalesce.Option[int64]
	if *useVelocity {
		cfg.Heuristic = "relative_velocity"
		cfg.VelocityThreshold = heuristic.DefaultThreshold
	}

	net := loopback.New(*size)
	shared := loopback.NewMessageType[int64](net, cfg.Priority)

	var received int64
	var mu sync.Mutex

	types := make([]*coalesce.CoalescedMessageType[int64], *size)
	for r := 0; r < *size; r++ {
		r := r
		handler := func(src rank.Rank, arg int64) {
			mu.Lock()
			received++
			mu.Unlock()
		}
		roptions := append([]coalesce.Option[int64]{coalesce.WithHooks[int64](store)}, opts...)
		types[r] = coalesce.New(net.Rank(rank.Rank(r)), shared.Bind(rank.Rank(r)), cfg, handler, roptions...)
	}
	defer func() {
		for _, ct := range types {
			ct.Close()
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for r := 0; r < *size; r++ {
		r := r
		for p := 0; p < *producers; p++ {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < *perProducer; i++ {
					dest := rank.Rank((r + 1 + i) % *size) // rotates across every rank, r itself included, once count >= ranks
					types[r].SendWithTID(int64(r)*1_000_000+int64(p)*100_000+int64(i), dest, p)
				}
			}()
		}
	}
	wg.Wait()

	// two flush cycles per rank to drain anything short of a full buffer.
	for pass := 0; pass < 2; pass++ {
		for r := 0; r < *size; r++ {
			types[r].Flush()
		}
		time.Sleep(5 * time.Millisecond)
	}
	net.EndEpoch(time.Millisecond)

	elapsed := time.Since(start)
	want := int64(*size) * int64(*producers) * int64(*perProducer)

	mu.Lock()
	got := received
	mu.Unlock()

	fmt.Printf("ranks=%d producers/rank=%d messages/producer=%d coalescing_size=%d heuristic=%s\n",
		*size, *producers, *perProducer, *coalescingSize, cfg.Heuristic)
	fmt.Printf("sent=%d received=%d elapsed=%s\n", want, got, elapsed)
	if got != want {
		fmt.Fprintf(os.Stderr, "ampp-demo: delivered %d of %d expected elements\n", got, want)
		os.Exit(1)
	}

	for r := 0; r < *size; r++ {
		n, err := store.ReceivedCount(rank.Rank(r))
		if err != nil {
			logger.Warn("read received-count counter", zap.Int("rank", r), zap.Error(err))
			continue
		}
		fmt.Printf("source rank %d: elements received anywhere = %d\n", r, n)
	}
}
