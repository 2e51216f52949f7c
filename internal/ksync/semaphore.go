package ksync

import (
	"context"
	"sync/atomic"
	"time"

	"ktask/internal/sched"
)

// Semaphore is a counting semaphore. Acquire blocks while the count is zero.
type Semaphore struct {
	count atomic.Int64
	wq    sched.WaitQueue
}

// NewSemaphore creates a semaphore holding n permits.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{}
	s.count.Store(int64(n))
	return s
}

// TryAcquire takes a permit if one is available.
func (s *Semaphore) TryAcquire() bool {
	for {
		c := s.count.Load()
		if c <= 0 {
			return false
		}
		if s.count.CompareAndSwap(c, c-1) {
			return true
		}
	}
}

// Acquire takes a permit, sleeping until one is available.
func (s *Semaphore) Acquire(ctx context.Context) {
	for !s.TryAcquire() {
		s.wq.WaitUntil(ctx, func() bool { return s.count.Load() > 0 })
	}
}

// AcquireTimeout is Acquire bounded by d. It reports whether a permit was
// taken.
func (s *Semaphore) AcquireTimeout(ctx context.Context, d time.Duration) bool {
	deadline := sched.FromContext(ctx).Now() + d
	for !s.TryAcquire() {
		left := deadline - sched.FromContext(ctx).Now()
		if left <= 0 {
			return false
		}
		if s.wq.WaitTimeoutUntil(ctx, left, func() bool { return s.count.Load() > 0 }) {
			return false
		}
	}
	return true
}

// Release returns a permit and wakes one waiter.
func (s *Semaphore) Release() {
	s.count.Add(1)
	s.wq.NotifyOne(true)
}

// Available returns the current number of permits.
func (s *Semaphore) Available() int { return int(s.count.Load()) }
