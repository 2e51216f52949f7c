package ksync

import (
	"context"
	"fmt"
	"sync/atomic"

	"ktask/internal/sched"
)

const (
	writerHeld = 1 << 31
	readerMask = writerHeld - 1
)

// RWMutex is a reader-writer lock for tasks. Any number of readers or one
// writer may hold it. The zero value is unlocked.
//
// A waiting writer holds off new readers, so writers are not starved. A task
// that read-locks twice while a writer waits will deadlock.
type RWMutex struct {
	state   atomic.Uint32 // writerHeld bit plus the reader count
	writers atomic.Int32  // writers waiting for the lock
	owner   atomic.Uint64 // TaskID of the writer, 0 otherwise
	wq      sched.WaitQueue
}

func (rw *RWMutex) readable() bool {
	return rw.state.Load()&writerHeld == 0 && rw.writers.Load() == 0
}

// TryRLock takes a read lock if no writer holds or waits for rw.
func (rw *RWMutex) TryRLock() bool {
	for {
		s := rw.state.Load()
		if s&writerHeld != 0 || rw.writers.Load() != 0 {
			return false
		}
		if s&readerMask == readerMask {
			panic("ksync: too many readers")
		}
		if rw.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

// RLock takes a read lock, sleeping while a writer holds or waits for rw.
func (rw *RWMutex) RLock(ctx context.Context) {
	for !rw.TryRLock() {
		rw.wq.WaitUntil(ctx, rw.readable)
	}
}

// RUnlock releases a read lock. The last reader out wakes waiting writers.
func (rw *RWMutex) RUnlock() {
	s := rw.state.Add(^uint32(0))
	if s&readerMask == readerMask {
		panic("ksync: RUnlock of an unlocked RWMutex")
	}
	if s == 0 {
		rw.wq.NotifyAll(true)
	}
}

// TryLock takes the write lock if rw is free.
func (rw *RWMutex) TryLock(ctx context.Context) bool {
	id := currentID(ctx)
	if !rw.state.CompareAndSwap(0, writerHeld) {
		return false
	}
	rw.owner.Store(id)
	return true
}

// Lock takes the write lock, sleeping while readers or another writer hold
// it.
func (rw *RWMutex) Lock(ctx context.Context) {
	id := currentID(ctx)
	if rw.owner.Load() == id {
		panic(fmt.Sprintf("ksync: task %d write-locking an RWMutex it already holds", id))
	}
	rw.writers.Add(1)
	for !rw.state.CompareAndSwap(0, writerHeld) {
		rw.wq.WaitUntil(ctx, func() bool { return rw.state.Load() == 0 })
	}
	rw.writers.Add(-1)
	rw.owner.Store(id)
}

// Unlock releases the write lock and wakes every waiter; readers then share
// the lock unless another writer is queued.
func (rw *RWMutex) Unlock(ctx context.Context) {
	id := currentID(ctx)
	if owner := rw.owner.Load(); owner != id {
		panic(fmt.Sprintf("ksync: task %d unlocking an RWMutex written by %d", id, owner))
	}
	rw.owner.Store(0)
	rw.state.Store(0)
	rw.wq.NotifyAll(true)
}

// Readers returns the number of tasks holding a read lock.
func (rw *RWMutex) Readers() int { return int(rw.state.Load() & readerMask) }
