// Package ksync provides blocking synchronization primitives for kernel
// tasks. Every blocking call takes the calling task's context.
package ksync

import (
	"context"
	"fmt"
	"sync/atomic"

	"ktask/internal/sched"
)

const (
	unlocked  = 0
	locked    = 1
	contended = 2 // locked, and a waiter may be sleeping on the futex
)

// Mutex is a sleeping lock owned by a task. The zero value is unlocked.
//
// The uncontended path is a single compare-and-swap; contended lockers
// sleep on the state word's futex.
type Mutex struct {
	state atomic.Uint32
	owner atomic.Uint64 // TaskID of the holder, 0 when unlocked
}

func currentID(ctx context.Context) uint64 {
	t := sched.Current(ctx)
	if t == nil {
		panic("ksync: lock operation outside a task context")
	}
	return uint64(t.ID())
}

// Lock acquires m, sleeping while another task holds it. Locking a mutex
// the caller already holds panics.
func (m *Mutex) Lock(ctx context.Context) {
	id := currentID(ctx)
	if m.state.CompareAndSwap(unlocked, locked) {
		m.owner.Store(id)
		return
	}
	if m.owner.Load() == id {
		panic(fmt.Sprintf("ksync: task %d locking a mutex it already holds", id))
	}
	for m.state.Swap(contended) != unlocked {
		sched.FutexWait(ctx, &m.state, contended, 0)
	}
	m.owner.Store(id)
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock(ctx context.Context) bool {
	id := currentID(ctx)
	if !m.state.CompareAndSwap(unlocked, locked) {
		return false
	}
	m.owner.Store(id)
	return true
}

// Unlock releases m and wakes one sleeping locker. Only the holder may
// unlock.
func (m *Mutex) Unlock(ctx context.Context) {
	id := currentID(ctx)
	if owner := m.owner.Load(); owner != id {
		panic(fmt.Sprintf("ksync: task %d unlocking a mutex held by %d", id, owner))
	}
	m.owner.Store(0)
	if m.state.Swap(unlocked) == contended {
		sched.FutexWake(ctx, &m.state, 1)
	}
}

// IsLocked reports whether some task holds m.
func (m *Mutex) IsLocked() bool { return m.state.Load() != unlocked }
