// Package sync provides the spinlock used to enforce the single-owner rule
// for devices that must not see interleaved requests (e.g. an SD card whose
// command/response exchanges cannot overlap).
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYielding is the number of failed acquisition attempts after
// which Acquire yields the processor.
const spinsBeforeYielding = 64

var (
	// yieldFn is called while waiting for a held lock. Tests may replace
	// it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if spins >= spinsBeforeYielding {
			yieldFn()
			spins = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
