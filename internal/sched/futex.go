package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// FutexStatus is the outcome of a futex wait.
type FutexStatus int

const (
	// FutexWoken means a FutexWake or FutexRequeue woke the waiter.
	FutexWoken FutexStatus = iota
	// FutexMismatch means the word did not hold the expected value and the
	// caller never blocked.
	FutexMismatch
	// FutexTimedOut means the timeout elapsed first.
	FutexTimedOut
	// FutexInterrupted means the waiter was released by Unpark.
	FutexInterrupted
)

func (s FutexStatus) String() string {
	switch s {
	case FutexWoken:
		return "woken"
	case FutexMismatch:
		return "mismatch"
	case FutexTimedOut:
		return "timed-out"
	case FutexInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// futexQueue is the wait queue for one futex word. refs counts waiters plus
// callers currently operating on it; the queue is dropped at zero.
type futexQueue struct {
	wq   WaitQueue
	refs int
}

// futexTable maps futex words to their queues. Each waiting task records the
// word it is queued on, which a requeue may change.
type futexTable struct {
	mu      sync.Mutex
	queues  map[*atomic.Uint32]*futexQueue
	waiting map[TaskID]*atomic.Uint32
}

func (ft *futexTable) init() {
	ft.queues = make(map[*atomic.Uint32]*futexQueue)
	ft.waiting = make(map[TaskID]*atomic.Uint32)
}

// ft.mu held
func (ft *futexTable) acquire(addr *atomic.Uint32) *futexQueue {
	q := ft.queues[addr]
	if q == nil {
		q = &futexQueue{}
		ft.queues[addr] = q
	}
	q.refs++
	return q
}

// ft.mu held
func (ft *futexTable) drop(addr *atomic.Uint32, q *futexQueue) {
	q.refs--
	if q.refs == 0 && ft.queues[addr] == q {
		delete(ft.queues, addr)
	}
}

// pin returns addr's queue with an extra reference, or nil if nobody waits.
func (ft *futexTable) pin(addr *atomic.Uint32) *futexQueue {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	q := ft.queues[addr]
	if q != nil {
		q.refs++
	}
	return q
}

func (ft *futexTable) unpin(addr *atomic.Uint32, q *futexQueue) {
	ft.mu.Lock()
	ft.drop(addr, q)
	ft.mu.Unlock()
}

// FutexQueues returns the number of futex words that currently have a queue.
func (k *Kernel) FutexQueues() int {
	k.futexes.mu.Lock()
	defer k.futexes.mu.Unlock()
	return len(k.futexes.queues)
}

func (k *Kernel) futexWait(t *Task, addr *atomic.Uint32, expected uint32, timeout time.Duration) FutexStatus {
	ft := &k.futexes
	ft.mu.Lock()
	q := ft.acquire(addr)
	ft.waiting[t.id] = addr
	ft.mu.Unlock()

	defer func() {
		// A requeue may have moved us; release whichever word we ended on.
		ft.mu.Lock()
		a := ft.waiting[t.id]
		delete(ft.waiting, t.id)
		ft.drop(a, ft.queues[a])
		ft.mu.Unlock()
	}()

	q.wq.mu.Lock()
	if addr.Load() != expected {
		q.wq.mu.Unlock()
		return FutexMismatch
	}
	deadline := forever
	if timeout > 0 {
		deadline = t.deadlineAfter(timeout)
	}
	switch q.wq.block(t, deadline) {
	case wakeNotify:
		return FutexWoken
	case wakeTimeout:
		return FutexTimedOut
	default:
		return FutexInterrupted
	}
}

func (k *Kernel) futexWake(addr *atomic.Uint32, n int) int {
	q := k.futexes.pin(addr)
	if q == nil {
		return 0
	}
	defer k.futexes.unpin(addr, q)

	woken := 0
	for woken < n && q.wq.NotifyOne(true) {
		woken++
	}
	return woken
}

func (k *Kernel) futexRequeue(src, dst *atomic.Uint32, wakeN, moveN int) (woken, moved int) {
	ft := &k.futexes
	ft.mu.Lock()
	sq := ft.queues[src]
	if sq == nil {
		ft.mu.Unlock()
		return 0, 0
	}
	sq.refs++
	dq := ft.acquire(dst)
	ft.mu.Unlock()
	defer func() {
		ft.mu.Lock()
		ft.drop(src, sq)
		ft.drop(dst, dq)
		ft.mu.Unlock()
	}()

	for woken < wakeN && sq.wq.NotifyOne(true) {
		woken++
	}
	if src == dst {
		return woken, 0
	}

	tasks := sq.wq.requeue(&dq.wq, moveN)
	ft.mu.Lock()
	for _, t := range tasks {
		// A moved waiter that already finished released its own reference.
		if ft.waiting[t.id] == src {
			ft.waiting[t.id] = dst
			sq.refs--
			dq.refs++
		}
	}
	ft.mu.Unlock()
	return woken, len(tasks)
}
