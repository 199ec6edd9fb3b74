package heuristic

import (
	"sync"
	"testing"
	"time"
)

func TestDefaultNeverFires(t *testing.T) {
	var h Default
	for i := 0; i < 100; i++ {
		if h.Execute() {
			t.Fatal("Default.Execute() returned true")
		}
	}
}

func TestRelativeVelocityFalseBetweenThresholds(t *testing.T) {
	h := NewRelativeVelocity(20)
	for i := 0; i < 19; i++ {
		if h.Execute() {
			t.Fatalf("Execute() fired early at call %d", i+1)
		}
	}
}

func TestRelativeVelocityFiresOnSlowdown(t *testing.T) {
	h := NewRelativeVelocity(5)

	// First window: fast, establishes a baseline velocity; no previous
	// window exists yet so this window's close must not fire.
	for i := 0; i < 5; i++ {
		if fire := h.Execute(); fire {
			t.Fatal("first window fired with no prior velocity to compare against")
		}
	}

	// Second window: sleep between calls so its velocity is lower than
	// the first window's.
	var fired bool
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		if h.Execute() {
			fired = true
		}
	}
	if !fired {
		t.Fatal("slower window never fired")
	}
}

func TestRelativeVelocityZeroThresholdUsesDefault(t *testing.T) {
	h := NewRelativeVelocity(0)
	if h.Threshold != DefaultThreshold {
		t.Fatalf("Threshold = %d, want %d", h.Threshold, DefaultThreshold)
	}
}

func TestRelativeVelocityConcurrentCounters(t *testing.T) {
	h := NewRelativeVelocity(1000)
	const workers = 16
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				h.Execute()
			}
		}()
	}
	wg.Wait()

	if got := h.count.Load(); got != workers*perWorker {
		t.Fatalf("count = %d, want %d", got, workers*perWorker)
	}
}

func TestGenerators(t *testing.T) {
	if _, ok := (DefaultGenerator{}).New().(Default); !ok {
		t.Fatal("DefaultGenerator.New() did not return a Default")
	}
	rv, ok := RelativeVelocityGenerator{Threshold: 7}.New().(*RelativeVelocity)
	if !ok {
		t.Fatal("RelativeVelocityGenerator.New() did not return a *RelativeVelocity")
	}
	if rv.Threshold != 7 {
		t.Fatalf("Threshold = %d, want 7", rv.Threshold)
	}
}
