package ksync

import (
	"context"
	"sync/atomic"

	"ktask/internal/sched"
)

// Barrier lets a fixed number of tasks wait for each other. It is reusable:
// once all n have arrived the next round starts.
type Barrier struct {
	n     int
	mu    Mutex
	count int           // arrivals in the current round, guarded by mu
	gen   atomic.Uint64 // round number
	wq    sched.WaitQueue
}

// NewBarrier creates a barrier for n tasks.
func NewBarrier(n int) *Barrier {
	if n <= 0 {
		n = 1
	}
	return &Barrier{n: n}
}

// Wait blocks until n tasks have called Wait in this round. Exactly one
// caller per round, the last to arrive, gets true.
func (b *Barrier) Wait(ctx context.Context) bool {
	b.mu.Lock(ctx)
	gen := b.gen.Load()
	b.count++
	if b.count < b.n {
		b.mu.Unlock(ctx)
		b.wq.WaitUntil(ctx, func() bool { return b.gen.Load() != gen })
		return false
	}
	b.count = 0
	b.gen.Add(1)
	b.mu.Unlock(ctx)
	b.wq.NotifyAll(true)
	return true
}
