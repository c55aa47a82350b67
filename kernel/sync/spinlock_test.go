package sync

import (
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			sl.Acquire()
			counter++
			sl.Release()
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to be %d; got %d", numWorkers, counter)
	}

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a released lock")
	}
	sl.Release()
}

func TestSpinlockYields(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var (
		sl       Spinlock
		yields   int
		released = make(chan struct{})
	)

	sl.Acquire()
	yieldFn = func() {
		yields++
		if yields == 3 {
			sl.Release()
			close(released)
		}
	}

	sl.Acquire()
	<-released

	if yields != 3 {
		t.Fatalf("expected Acquire to yield 3 times; got %d", yields)
	}
}
