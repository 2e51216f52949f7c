package sched

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestUnblockTaskSendsIPIToIdleCPU(t *testing.T) {
	k, p := newTestKernel(t, fifoConfig(2))

	w := k.Spawn(func(ctx context.Context) { Park(ctx) }, WithAffinity(1<<0))
	k.Start()
	pollUntil(t, "waiter parked on an idle CPU 0", func() bool {
		cur := k.CPU(0).Current()
		return w.State() == StateSleeping && cur != nil && cur.IsIdle()
	})

	before := p.IPIs(0)
	if !k.UnblockTask(w, false) {
		t.Fatalf("UnblockTask() of a parked task = false")
	}
	waitDone(t, w)

	if p.IPIs(0) <= before {
		t.Errorf("IPIs(0) = %d, want more than %d", p.IPIs(0), before)
	}
	if w.Stat().Wakeups != 1 {
		t.Errorf("wakeups = %d, want 1", w.Stat().Wakeups)
	}
	if k.UnblockTask(w, false) {
		t.Errorf("UnblockTask() of an exited task = true")
	}
}

func TestRemoteWakeupPreemptsRunningTask(t *testing.T) {
	k, _ := newTestKernel(t, fifoConfig(2))

	var wq WaitQueue
	var ran atomic.Bool
	w := k.Spawn(func(ctx context.Context) {
		wq.Wait(ctx)
		ran.Store(true)
	}, WithAffinity(1<<0))
	// FIFO never preempts on ticks; only the wakeup's request lets w in.
	spinner := k.Spawn(func(ctx context.Context) {
		for !ran.Load() {
			CheckPreempt(ctx)
		}
	}, WithAffinity(1<<0))
	var woke bool
	n := k.Spawn(func(ctx context.Context) {
		for wq.Len() == 0 || k.CPU(0).Current() != spinner {
			YieldNow(ctx)
		}
		woke = wq.NotifyOne(true)
	}, WithAffinity(1<<1))
	k.Start()
	waitDone(t, w, spinner, n)

	if !woke {
		t.Errorf("NotifyOne() = false")
	}
	if got := spinner.Stat().Switches; got < 2 {
		t.Errorf("spinner switched in %d times, want it to give way and return", got)
	}
}

func TestSpawnThroughKernelContext(t *testing.T) {
	k, _ := newTestKernel(t, fifoConfig(1))

	if FromContext(context.Background()) != nil {
		t.Errorf("FromContext() of a bare context is not nil")
	}
	ctx := WithKernel(context.Background(), k)
	if FromContext(ctx) != k {
		t.Fatalf("FromContext() did not return the attached kernel")
	}

	var self *Task
	var sameKernel bool
	task := Spawn(ctx, func(ctx context.Context) {
		self = Current(ctx)
		sameKernel = FromContext(ctx) == k
	})
	k.Start()
	waitDone(t, task)

	if self != task || !sameKernel {
		t.Errorf("task saw Current() = %v, kernel match %v", self, sameKernel)
	}
	if task.IsIdle() || !k.CPU(0).Current().IsIdle() {
		t.Errorf("idle flags wrong after the only task exited")
	}
}
