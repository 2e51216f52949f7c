package ksync

import (
	"context"
	"sync/atomic"
	"time"

	"ktask/internal/sched"
)

// Condvar is a condition variable used together with a Mutex. The zero
// value is ready to use.
//
// Waiters sleep on the futex of a sequence word that every notification
// bumps, so a notification issued between unlocking the mutex and going to
// sleep makes the sleep return at once.
type Condvar struct {
	seq atomic.Uint32
}

// Wait atomically releases m and sleeps until notified, then reacquires m.
// Like any condition variable it may return spuriously.
func (c *Condvar) Wait(ctx context.Context, m *Mutex) {
	seq := c.seq.Load()
	m.Unlock(ctx)
	sched.FutexWait(ctx, &c.seq, seq, 0)
	m.Lock(ctx)
}

// WaitTimeout is Wait with a bound on the sleep. It reports whether the wait
// timed out.
func (c *Condvar) WaitTimeout(ctx context.Context, m *Mutex, d time.Duration) bool {
	seq := c.seq.Load()
	m.Unlock(ctx)
	status := sched.FutexWaitStatus(ctx, &c.seq, seq, d)
	m.Lock(ctx)
	return status == sched.FutexTimedOut
}

// WaitWhile waits for as long as cond holds. m must be held; cond is
// evaluated with it held.
func (c *Condvar) WaitWhile(ctx context.Context, m *Mutex, cond func() bool) {
	for cond() {
		c.Wait(ctx, m)
	}
}

// NotifyOne wakes one waiter, if any.
func (c *Condvar) NotifyOne(ctx context.Context) {
	c.seq.Add(1)
	sched.FutexWake(ctx, &c.seq, 1)
}

// NotifyAll wakes every waiter.
func (c *Condvar) NotifyAll(ctx context.Context) {
	c.seq.Add(1)
	sched.FutexWakeAll(ctx, &c.seq)
}
