// internal/sched/api.go

package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

type taskKey struct{}

type kernelKey struct{}

// Current returns the task whose entry received ctx, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

func mustCurrent(ctx context.Context) *Task {
	t := Current(ctx)
	if t == nil {
		panic("sched: scheduler call outside a task context")
	}
	return t
}

// WithKernel returns a context from which Spawn can reach k outside any task.
func WithKernel(ctx context.Context, k *Kernel) context.Context {
	return context.WithValue(ctx, kernelKey{}, k)
}

// FromContext returns the kernel of the current task, or the one attached
// with WithKernel.
func FromContext(ctx context.Context) *Kernel {
	if t := Current(ctx); t != nil {
		return t.k
	}
	k, _ := ctx.Value(kernelKey{}).(*Kernel)
	return k
}

// Spawn starts a new task on the kernel found in ctx.
func Spawn(ctx context.Context, entry Entry, opts ...SpawnOption) *Task {
	return mustKernel(ctx).Spawn(entry, opts...)
}

// YieldNow puts the current task at the back of its CPU's ready set.
func YieldNow(ctx context.Context) {
	t := mustCurrent(ctx)
	t.k.runQueueOf(t).yieldCurrent(t)
}

// CheckPreempt gives up the CPU if a timer tick or a wakeup asked this CPU
// to reschedule. Long-running tasks call it between units of work.
func CheckPreempt(ctx context.Context) {
	t := mustCurrent(ctx)
	t.k.runQueueOf(t).preemptCurrent(t)
}

// Sleep blocks the current task for at least d.
func Sleep(ctx context.Context, d time.Duration) {
	t := mustCurrent(ctx)
	t.k.sleepUntil(t, t.deadlineAfter(d))
}

// SleepUntil blocks the current task until the platform clock reaches
// deadline. It returns at once if the deadline has passed.
func SleepUntil(ctx context.Context, deadline time.Duration) {
	t := mustCurrent(ctx)
	t.k.sleepUntil(t, deadline)
}

// Exit terminates the current task with code. It does not return; deferred
// calls in the task's entry still run.
func Exit(ctx context.Context, code int) {
	t := mustCurrent(ctx)
	if t.idle {
		panic("sched: idle task cannot exit")
	}
	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
	runtime.Goexit()
}

// Park blocks the current task until Unpark is called for it. A permit left
// by an earlier Unpark is consumed and Park returns at once.
func Park(ctx context.Context) {
	t := mustCurrent(ctx)
	t.k.park(t)
}

// Join blocks until target has exited and been reclaimed, then returns its
// exit code.
func Join(ctx context.Context, target *Task) int {
	t := mustCurrent(ctx)
	if t == target {
		panic(fmt.Sprintf("sched: %s joining itself", t.IDName()))
	}
	target.exitWQ.WaitUntil(ctx, target.reclaimed.Load)
	code, _ := target.ExitCode()
	return code
}

// SetPriority changes the current task's nice value. It reports false for
// values outside [MinNice, MaxNice].
func SetPriority(ctx context.Context, nice int) bool {
	t := mustCurrent(ctx)
	rq := t.k.runQueueOf(t)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.policy.setPriority(t, nice)
}

// SetAffinity restricts the current task to the CPUs in mask. If the task's
// CPU is no longer allowed it migrates at once.
func SetAffinity(ctx context.Context, mask uint64) {
	t := mustCurrent(ctx)
	t.k.checkAffinity(mask)
	t.affinity.Store(mask)
	if !t.allowedOn(t.CPU()) {
		YieldNow(ctx)
	}
}

// FutexWait blocks while *addr == expected, until woken or until timeout
// elapses. It reports whether the task was woken by FutexWake or
// FutexRequeue.
//
// Unlike a POSIX futex, a zero timeout does not expire at once: any timeout
// <= 0 means no timeout at all.
func FutexWait(ctx context.Context, addr *atomic.Uint32, expected uint32, timeout time.Duration) bool {
	return FutexWaitStatus(ctx, addr, expected, timeout) == FutexWoken
}

// FutexWaitStatus is FutexWait with the reason the wait ended.
func FutexWaitStatus(ctx context.Context, addr *atomic.Uint32, expected uint32, timeout time.Duration) FutexStatus {
	t := mustCurrent(ctx)
	return t.k.futexWait(t, addr, expected, timeout)
}

// FutexWake wakes up to n tasks waiting on addr and returns how many woke.
func FutexWake(ctx context.Context, addr *atomic.Uint32, n int) int {
	return mustKernel(ctx).futexWake(addr, n)
}

// FutexWakeAll wakes every task waiting on addr.
func FutexWakeAll(ctx context.Context, addr *atomic.Uint32) int {
	return mustKernel(ctx).futexWake(addr, int(^uint(0)>>1))
}

// FutexRequeue wakes up to wakeN waiters of src and moves up to moveN of the
// rest to dst without waking them.
func FutexRequeue(ctx context.Context, src, dst *atomic.Uint32, wakeN, moveN int) (woken, moved int) {
	return mustKernel(ctx).futexRequeue(src, dst, wakeN, moveN)
}

func mustKernel(ctx context.Context) *Kernel {
	k := FromContext(ctx)
	if k == nil {
		panic("sched: no kernel in context")
	}
	return k
}
