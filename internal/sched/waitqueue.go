// internal/sched/waitqueue.go

package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// WaitQueue is a FIFO of blocked tasks. The zero value is ready to use.
//
// A task is linked into at most one wait queue at a time. Notifications pop
// from the front, so waiters are woken in the order they blocked.
type WaitQueue struct {
	mu    sync.Mutex
	tasks *doublylinkedlist.List
	key   atomic.Uint64 // lock order between queues, assigned on first use
}

var waitQueueKeys atomic.Uint64

func (wq *WaitQueue) order() uint64 {
	if k := wq.key.Load(); k != 0 {
		return k
	}
	wq.key.CompareAndSwap(0, waitQueueKeys.Add(1))
	return wq.key.Load()
}

// wq.mu held
func (wq *WaitQueue) push(t *Task) {
	if wq.tasks == nil {
		wq.tasks = doublylinkedlist.New()
	}
	wq.tasks.Append(t)
	t.waitq.Store(wq)
}

// wq.mu held
func (wq *WaitQueue) popFront() *Task {
	if wq.tasks == nil {
		return nil
	}
	v, ok := wq.tasks.Get(0)
	if !ok {
		return nil
	}
	wq.tasks.Remove(0)
	t := v.(*Task)
	t.waitq.Store(nil)
	return t
}

// wq.mu held
func (wq *WaitQueue) remove(t *Task) bool {
	if wq.tasks == nil {
		return false
	}
	i := wq.tasks.IndexOf(t)
	if i < 0 {
		return false
	}
	wq.tasks.Remove(i)
	t.waitq.Store(nil)
	return true
}

// unlinkWaiter takes t off whichever wait queue it is still linked into. A
// concurrent requeue may move t while we look, hence the retry.
func unlinkWaiter(t *Task) {
	for {
		q := t.waitq.Load()
		if q == nil {
			return
		}
		q.mu.Lock()
		if t.waitq.Load() == q {
			q.remove(t)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// Len returns the number of linked waiters.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.tasks == nil {
		return 0
	}
	return wq.tasks.Size()
}

// block links t at the back of wq and switches it out until a notification,
// the deadline or an unpark. wq.mu must be held on entry; it is released
// before switching.
func (wq *WaitQueue) block(t *Task, deadline time.Duration) wakeReason {
	k := t.k
	t.mu.Lock()
	if t.idle || t.state != StateRunning {
		t.mu.Unlock()
		wq.mu.Unlock()
		panic(fmt.Sprintf("sched: %s cannot block in state %v", t.IDName(), t.state))
	}
	t.state = StateBlocked
	t.reason = wakeNone
	t.move(placeWaitQueue, placeRunning)
	t.mu.Unlock()
	wq.push(t)
	wq.mu.Unlock()

	if deadline != forever {
		k.armTimer(t, deadline)
	}
	rq := k.runQueueOf(t)
	rq.mu.Lock()
	k.trace(EventBlock, rq.id, t)
	rq.resched(t)

	if deadline != forever {
		k.disarmTimer(t)
	}
	unlinkWaiter(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Wait blocks the current task until it is notified.
func (wq *WaitQueue) Wait(ctx context.Context) {
	t := mustCurrent(ctx)
	wq.mu.Lock()
	wq.block(t, forever)
}

// WaitUntil blocks until cond holds. cond is evaluated with the queue lock
// held, so a notifier that changes the state before notifying cannot be
// missed.
func (wq *WaitQueue) WaitUntil(ctx context.Context, cond func() bool) {
	t := mustCurrent(ctx)
	for {
		wq.mu.Lock()
		if cond() {
			wq.mu.Unlock()
			return
		}
		wq.block(t, forever)
	}
}

// WaitTimeout blocks until notified or until d has elapsed. It reports
// whether the wait timed out. A task released early by Unpark also gets
// false, as if it had been notified.
func (wq *WaitQueue) WaitTimeout(ctx context.Context, d time.Duration) bool {
	t := mustCurrent(ctx)
	deadline := t.deadlineAfter(d)
	wq.mu.Lock()
	return wq.block(t, deadline) == wakeTimeout
}

// WaitTimeoutUntil blocks until cond holds or d has elapsed. It reports
// whether the wait timed out with cond still false.
func (wq *WaitQueue) WaitTimeoutUntil(ctx context.Context, d time.Duration, cond func() bool) bool {
	t := mustCurrent(ctx)
	deadline := t.deadlineAfter(d)
	for {
		wq.mu.Lock()
		if cond() {
			wq.mu.Unlock()
			return false
		}
		if t.k.Now() >= deadline {
			wq.mu.Unlock()
			return true
		}
		wq.block(t, deadline)
	}
}

// NotifyOne wakes the longest waiting task. Waiters that were already woken
// by their timeout are skipped. It reports whether a task was woken.
func (wq *WaitQueue) NotifyOne(resched bool) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for {
		t := wq.popFront()
		if t == nil {
			return false
		}
		if t.k.unblockTask(t, wakeNotify, resched) {
			return true
		}
	}
}

// NotifyAll wakes every task linked at the time of the call and returns how
// many were woken.
func (wq *WaitQueue) NotifyAll(resched bool) int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	n := 0
	for {
		t := wq.popFront()
		if t == nil {
			return n
		}
		if t.k.unblockTask(t, wakeNotify, resched) {
			n++
		}
	}
}

// NotifyTask wakes t if it is waiting on wq.
func (wq *WaitQueue) NotifyTask(t *Task, resched bool) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if !wq.remove(t) {
		return false
	}
	return t.k.unblockTask(t, wakeNotify, resched)
}

// requeue moves up to n waiters from the front of wq to the back of dst,
// keeping their order, and returns them.
func (wq *WaitQueue) requeue(dst *WaitQueue, n int) []*Task {
	if wq == dst || n <= 0 {
		return nil
	}
	first, second := wq, dst
	if first.order() > second.order() {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	var moved []*Task
	for len(moved) < n {
		t := wq.popFront()
		if t == nil {
			break
		}
		dst.push(t)
		moved = append(moved, t)
	}
	return moved
}
