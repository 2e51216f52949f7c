// internal/sched/kernel.go

package sched

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ktask/internal/hal"
	"ktask/internal/logging"
)

// MaxCPUs is the largest CPU count an affinity mask can address.
const MaxCPUs = 64

const forever = hal.Forever

// Kernel owns the per-CPU run queues, the task registry and the futex table,
// and receives the platform's interrupts.
type Kernel struct {
	cfg       Config
	placement PlacementPolicy
	platform  hal.Platform
	logger    *slog.Logger
	bootID    string

	cpus     []*RunQueue
	registry *registry
	futexes  futexTable
	nextID   atomic.Uint64

	tracer atomic.Pointer[Tracer]

	startOnce sync.Once
	started   atomic.Bool
	haltOnce  sync.Once
	halt      chan struct{}
}

// New creates a kernel with cfg.CPUs run queues and binds it to platform.
// A nil logger discards everything.
func New(cfg Config, platform hal.Platform, logger *slog.Logger) (*Kernel, error) {
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParsePolicy(cfg.Policy)
	place, _ := ParsePlacement(cfg.Placement)
	if logger == nil {
		logger = logging.Discard()
	}

	bootID := uuid.NewString()
	k := &Kernel{
		cfg:       cfg,
		placement: place,
		platform:  platform,
		bootID:    bootID,
		logger:    logger.With("component", "sched", "boot", bootID),
		halt:      make(chan struct{}),
	}
	k.registry = newRegistry(k.logger)
	k.futexes.init()
	for i := 0; i < cfg.CPUs; i++ {
		k.cpus = append(k.cpus, newRunQueue(k, i, kind))
	}
	platform.Bind(k)
	return k, nil
}

// Start brings every CPU online: each gets its idle task and a running
// periodic timer. Tasks spawned earlier start running now.
func (k *Kernel) Start() {
	k.startOnce.Do(func() {
		now := k.Now()
		for _, rq := range k.cpus {
			rq.bringUp()
			role := "secondary"
			if rq.id == 0 {
				role = "primary"
			}
			k.logger.Info("cpu online", "cpu", rq.id, "role", role)
		}
		k.started.Store(true)
		for _, rq := range k.cpus {
			k.platform.SetOneshotTimer(rq.id, now+k.cfg.TickPeriod())
		}
		k.logger.Info("scheduler started",
			"cpus", len(k.cpus),
			"policy", k.cfg.Policy,
			"placement", k.cfg.Placement,
			"tick", k.cfg.TickPeriod())
	})
}

// Shutdown stops the platform and releases every parked task goroutine.
// Tasks do not run again afterwards.
func (k *Kernel) Shutdown() {
	k.haltOnce.Do(func() {
		close(k.halt)
		k.platform.Stop()
		k.logger.Info("kernel halted", "tasks", k.registry.len())
	})
}

func (k *Kernel) halted() bool {
	select {
	case <-k.halt:
		return true
	default:
		return false
	}
}

// BootID identifies this kernel instance in logs.
func (k *Kernel) BootID() string { return k.bootID }

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the kernel's logger.
func (k *Kernel) Logger() *slog.Logger { return k.logger }

// Now returns the platform's monotonic time.
func (k *Kernel) Now() time.Duration { return k.platform.Now() }

// NumCPU returns the number of run queues.
func (k *Kernel) NumCPU() int { return len(k.cpus) }

// CPU returns run queue i.
func (k *Kernel) CPU(i int) *RunQueue { return k.cpus[i] }

// SetTracer attaches tr to the kernel; nil detaches.
func (k *Kernel) SetTracer(tr *Tracer) { k.tracer.Store(tr) }

func (k *Kernel) trace(kind EventKind, cpu int, t *Task) {
	tr := k.tracer.Load()
	if tr == nil {
		return
	}
	ev := Event{Time: k.Now(), Kind: kind, CPU: cpu}
	if t != nil {
		ev.TaskID = t.id
		ev.Ticks = t.ticks.Load()
	}
	tr.emit(ev)
}

// Spawn creates a task running entry and places it on a run queue.
func (k *Kernel) Spawn(entry Entry, opts ...SpawnOption) *Task {
	if entry == nil {
		panic("sched: spawn with nil entry")
	}
	if k.halted() {
		panic("sched: spawn after shutdown")
	}
	t := newTask(k, TaskID(k.nextID.Add(1)), entry, opts...)
	k.registry.register(t)
	go t.run()

	rq := k.SelectRunQueue(t)
	k.logger.Debug("task spawned", "task", t.IDName(), "cpu", rq.id)
	k.trace(EventSpawn, rq.id, t)
	rq.addTask(t, false)
	return t
}

// UnblockTask moves a Blocked or Sleeping task to Ready and enqueues it. If
// resched is set the target CPU is asked to reschedule. It reports false if
// the task was not blocked.
func (k *Kernel) UnblockTask(t *Task, resched bool) bool {
	return k.unblockTask(t, wakeNotify, resched)
}

func (k *Kernel) unblockTask(t *Task, reason wakeReason, resched bool) bool {
	t.mu.Lock()
	ok, enqueue := k.wakeLocked(t, reason)
	t.mu.Unlock()
	if enqueue {
		k.enqueueWoken(t, resched)
	}
	return ok
}

// wakeLocked performs the state half of a wakeup. t.mu must be held. The
// caller must call enqueueWoken after unlocking if enqueue is set; a task
// that is still on its CPU notices the wakeup in resched instead.
func (k *Kernel) wakeLocked(t *Task, reason wakeReason) (ok, enqueue bool) {
	if t.state != StateBlocked && t.state != StateSleeping {
		return false, false
	}
	t.state = StateReady
	t.reason = reason
	t.wakeups.Add(1)
	if t.onCPU {
		t.move(placeRunning, placeWaitQueue, placeTimer, placeNone)
		return true, false
	}
	t.move(placeNone, placeWaitQueue, placeTimer, placeNone)
	return true, true
}

func (k *Kernel) enqueueWoken(t *Task, resched bool) {
	rq := k.SelectRunQueue(t)
	k.trace(EventWake, rq.id, t)
	rq.addTask(t, resched)
}

// OnTimerTick implements hal.InterruptHandler: charge the running task,
// expire due timers and re-arm the next tick.
func (k *Kernel) OnTimerTick(cpu int) {
	if k.halted() || cpu < 0 || cpu >= len(k.cpus) {
		return
	}
	rq := k.cpus[cpu]
	rq.schedulerTimerTick()
	k.checkEvents(rq)
	k.platform.SetOneshotTimer(cpu, k.Now()+k.cfg.TickPeriod())
}

// OnIPI implements hal.InterruptHandler: the target CPU re-evaluates its
// ready set.
func (k *Kernel) OnIPI(cpu int) {
	if k.halted() || cpu < 0 || cpu >= len(k.cpus) {
		return
	}
	k.trace(EventIPI, cpu, nil)
	k.cpus[cpu].kickIdle()
}

// FindTask looks a task up by id. It returns nil for unknown or reclaimed
// tasks.
func (k *Kernel) FindTask(id TaskID) *Task { return k.registry.find(id) }

// Tasks returns the registered tasks in id order.
func (k *Kernel) Tasks() []*Task { return k.registry.snapshot() }

// Unpark wakes the task with the given id if it is blocked or sleeping, or
// gives it a permit that makes its next Park return at once. An unknown id
// is logged and ignored.
func (k *Kernel) Unpark(id TaskID) bool {
	t := k.registry.find(id)
	if t == nil {
		k.logger.Warn("unpark of unknown task", "id", id)
		return false
	}
	k.unpark(t)
	return true
}

func (k *Kernel) unpark(t *Task) {
	t.mu.Lock()
	ok, enqueue := k.wakeLocked(t, wakeUnpark)
	if !ok && t.state != StateExited {
		t.permit = true
	}
	t.mu.Unlock()
	if enqueue {
		k.enqueueWoken(t, false)
	}
}

func (k *Kernel) park(t *Task) {
	t.mu.Lock()
	if t.permit {
		t.permit = false
		t.mu.Unlock()
		return
	}
	t.state = StateSleeping
	t.reason = wakeNone
	t.parked = true
	t.move(placeNone, placeRunning)
	t.mu.Unlock()

	rq := k.runQueueOf(t)
	rq.mu.Lock()
	k.trace(EventSleep, rq.id, t)
	rq.resched(t)

	t.mu.Lock()
	t.parked = false
	t.mu.Unlock()
}

func (k *Kernel) sleepUntil(t *Task, deadline time.Duration) {
	if k.Now() >= deadline {
		return
	}
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		panic(fmt.Sprintf("sched: %s sleeping in state %v", t.IDName(), t.state))
	}
	t.state = StateSleeping
	t.reason = wakeNone
	t.move(placeTimer, placeRunning)
	t.mu.Unlock()

	k.armTimer(t, deadline)
	rq := k.runQueueOf(t)
	rq.mu.Lock()
	k.trace(EventSleep, rq.id, t)
	rq.resched(t)
	k.disarmTimer(t)
}

// finishTask runs on the task's goroutine after its entry returned, called
// Exit, or was released by Shutdown.
func (k *Kernel) finishTask(t *Task) {
	if k.halted() {
		t.markDone()
		return
	}
	t.mu.Lock()
	code := t.exitCode
	t.mu.Unlock()
	k.exitCurrent(t, code)
}

func (k *Kernel) exitCurrent(t *Task, code int) {
	rq := k.runQueueOf(t)
	rq.mu.Lock()
	t.mu.Lock()
	t.state = StateExited
	t.exitCode = code
	t.move(placeNone, placeRunning)
	t.mu.Unlock()

	k.logger.Debug("task exited", "task", t.IDName(), "code", code, "cpu", rq.id)
	k.trace(EventExit, rq.id, t)
	rq.resched(t)
	k.reclaim(t)
}

// reclaim runs once the exited task no longer owns a CPU.
func (k *Kernel) reclaim(t *Task) {
	k.registry.unregister(t.id)
	t.reclaimed.Store(true)
	t.markDone()
	t.exitWQ.NotifyAll(false)
}

func (k *Kernel) runQueueOf(t *Task) *RunQueue {
	cpu := t.CPU()
	if cpu < 0 {
		panic(fmt.Sprintf("sched: %s has never run", t.IDName()))
	}
	return k.cpus[cpu]
}

func (k *Kernel) allCPUs() uint64 {
	if len(k.cpus) >= MaxCPUs || k.cfg.CPUs >= MaxCPUs {
		return ^uint64(0)
	}
	return 1<<uint(k.cfg.CPUs) - 1
}

// checkAffinity rejects masks that name no CPU or CPUs that do not exist.
func (k *Kernel) checkAffinity(mask uint64) {
	if mask == 0 || mask&^k.allCPUs() != 0 {
		panic(fmt.Sprintf("sched: invalid affinity mask %#x for %d CPUs", mask, k.cfg.CPUs))
	}
}
