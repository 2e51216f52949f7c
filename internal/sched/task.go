package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// TaskID uniquely identifies a task in the kernel. IDs are never reused.
type TaskID uint64

// TaskState is the scheduling state of a task.
type TaskState int32

const (
	StateReady TaskState = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateExited
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSleeping:
		return "Sleeping"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// placement is the single container a task is linked into.
type placement uint8

const (
	placeNone placement = iota
	placeReady
	placeRunning
	placeWaitQueue
	placeTimer
)

func (p placement) String() string {
	switch p {
	case placeNone:
		return "none"
	case placeReady:
		return "ready-queue"
	case placeRunning:
		return "running"
	case placeWaitQueue:
		return "wait-queue"
	case placeTimer:
		return "timer-list"
	default:
		return "unknown"
	}
}

// wakeReason records which path moved a task out of Blocked or Sleeping.
type wakeReason uint8

const (
	wakeNone wakeReason = iota
	wakeNotify
	wakeTimeout
	wakeUnpark
)

// Entry is the body of a task. Returning from it exits the task with code 0.
type Entry func(ctx context.Context)

// Task represents one schedulable task unit.
type Task struct {
	id    TaskID
	name  string
	entry Entry
	ctx   context.Context
	k     *Kernel
	idle  bool

	mu       sync.Mutex // guards the fields below
	state    TaskState
	onCPU    bool // still executing on a CPU, even if about to block
	place    placement
	reason   wakeReason
	parked   bool
	permit   bool
	exitCode int

	cpu      atomic.Int32  // CPU the task runs or last ran on, -1 before first dispatch
	affinity atomic.Uint64 // allowed CPUs, bit i = CPU i
	ticket   atomic.Uint64 // bumped to invalidate pending timer events
	timerCPU atomic.Int32  // CPU whose timer list holds this task, -1 if none
	waitq    atomic.Pointer[WaitQueue]

	// policy bookkeeping, guarded by the owning run queue's lock
	slice    int
	nice     int
	vruntime int64
	seq      uint64
	node     nodeKey // key while linked into a policy tree
	level    int     // MLFQ queue level
	expected int64   // SJF estimated burst, 1/1024 ticks
	burst    int64   // SJF ticks run since the last estimate

	wake      chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	reclaimed atomic.Bool
	exitWQ    WaitQueue

	ticks    atomic.Uint64
	switches atomic.Uint64
	wakeups  atomic.Uint64
}

// TaskStat is a snapshot of a task's scheduling counters.
type TaskStat struct {
	Ticks    uint64 // timer ticks charged while running
	Switches uint64 // times the task was switched in
	Wakeups  uint64 // times the task was unblocked
}

// SpawnOption configures a task at spawn time.
type SpawnOption func(*Task)

// WithName sets the task's name.
func WithName(name string) SpawnOption {
	return func(t *Task) { t.name = name }
}

// WithAffinity restricts the task to the CPUs set in mask.
func WithAffinity(mask uint64) SpawnOption {
	return func(t *Task) { t.affinity.Store(mask) }
}

// WithNice sets the task's initial nice value (used by the CFS policy).
func WithNice(nice int) SpawnOption {
	return func(t *Task) { t.nice = nice }
}

func newTask(k *Kernel, id TaskID, entry Entry, opts ...SpawnOption) *Task {
	t := &Task{
		id:    id,
		name:  fmt.Sprintf("task-%d", id),
		entry: entry,
		k:     k,
		state: StateReady,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	t.cpu.Store(-1)
	t.timerCPU.Store(-1)
	t.affinity.Store(k.allCPUs())
	t.slice = k.cfg.SliceTicks
	for _, opt := range opts {
		opt(t)
	}
	k.checkAffinity(t.affinity.Load())
	t.ctx = context.WithValue(context.Background(), taskKey{}, t)
	return t
}

// ID returns the task's identifier.
func (t *Task) ID() TaskID { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// IDName formats the task as "Task(id, name)" for logs and panics.
func (t *Task) IDName() string { return fmt.Sprintf("Task(%d, %q)", t.id, t.name) }

// State returns the current scheduling state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CPU returns the CPU the task runs on or last ran on, or -1.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// Affinity returns the mask of CPUs the task may run on.
func (t *Task) Affinity() uint64 { return t.affinity.Load() }

// IsIdle reports whether t is a CPU's idle task.
func (t *Task) IsIdle() bool { return t.idle }

// Done is closed once the task has exited and its resources are reclaimed.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExitCode returns the exit code and whether the task has exited.
func (t *Task) ExitCode() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.state == StateExited
}

// Stat returns the task's scheduling counters.
func (t *Task) Stat() TaskStat {
	return TaskStat{
		Ticks:    t.ticks.Load(),
		Switches: t.switches.Load(),
		Wakeups:  t.wakeups.Load(),
	}
}

func (t *Task) String() string { return t.IDName() }

// move relinks the task into container to. t.mu must be held. With debug
// assertions enabled the current container must be one of from.
func (t *Task) move(to placement, from ...placement) {
	if t.k.cfg.DebugAssertions && len(from) > 0 {
		ok := false
		for _, p := range from {
			if t.place == p {
				ok = true
				break
			}
		}
		if !ok {
			panic(fmt.Sprintf("sched: %s linked into %v, cannot move to %v", t.IDName(), t.place, to))
		}
	}
	t.place = to
}

// resume hands the CPU to t. The wake channel is buffered so a resume that
// arrives before t parks is not lost.
func (t *Task) resume() {
	select {
	case t.wake <- struct{}{}:
	default:
		panic(fmt.Sprintf("sched: %s resumed twice", t.IDName()))
	}
}

// park waits until the task is switched back in.
func (t *Task) park() {
	select {
	case <-t.wake:
	case <-t.k.halt:
		runtime.Goexit()
	}
}

func (t *Task) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// run is the body of the task's goroutine.
func (t *Task) run() {
	defer t.k.finishTask(t)
	t.park()
	t.entry(t.ctx)
}

func (t *Task) allowedOn(cpu int) bool {
	return cpu >= 0 && cpu < 64 && t.affinity.Load()&(1<<uint(cpu)) != 0
}

// deadlineAfter converts a relative timeout into an absolute deadline.
func (t *Task) deadlineAfter(d time.Duration) time.Duration {
	now := t.k.Now()
	if d > forever-now {
		return forever
	}
	return now + d
}
