// internal/sched/runqueue.go

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// RunQueue is one CPU's scheduling authority: it owns the policy instance,
// the currently running task and the CPU's idle task. Every state change of
// a task that runs here goes through it.
type RunQueue struct {
	id int
	k  *Kernel

	mu          sync.Mutex // protects the fields below; never held across a switch
	policy      *policy
	current     *Task
	idle        *Task
	needResched bool
	switches    uint64

	nrReady atomic.Int32
	busy    atomic.Bool // a non-idle task is current
	ticks   atomic.Uint64
	kick    chan struct{}
	timers  cpuTimers
}

func newRunQueue(k *Kernel, id int, kind PolicyKind) *RunQueue {
	rq := &RunQueue{
		id:     id,
		k:      k,
		policy: newPolicy(kind, k.cfg),
		kick:   make(chan struct{}, 1),
	}
	rq.timers.init()
	return rq
}

// ID returns the CPU number.
func (rq *RunQueue) ID() int { return rq.id }

// Current returns the task running on this CPU (its idle task when nothing
// else is ready), or nil before the CPU is brought up.
func (rq *RunQueue) Current() *Task {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.current
}

// NrReady returns the number of tasks waiting in the ready set.
func (rq *RunQueue) NrReady() int { return int(rq.nrReady.Load()) }

// Ticks returns the number of timer interrupts handled by this CPU.
func (rq *RunQueue) Ticks() uint64 { return rq.ticks.Load() }

// Switches returns the number of context switches performed by this CPU.
func (rq *RunQueue) Switches() uint64 {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.switches
}

// load is the placement metric: ready tasks plus the running one.
func (rq *RunQueue) load() int {
	n := int(rq.nrReady.Load())
	if rq.busy.Load() {
		n++
	}
	return n
}

// bringUp installs the idle task as current and starts the CPU.
func (rq *RunQueue) bringUp() {
	idle := newTask(rq.k, TaskID(rq.k.nextID.Add(1)), nil, WithName(fmt.Sprintf("idle/%d", rq.id)), WithAffinity(1<<uint(rq.id)))
	idle.idle = true
	idle.state = StateRunning
	idle.onCPU = true
	idle.place = placeRunning
	idle.cpu.Store(int32(rq.id))

	rq.mu.Lock()
	rq.idle = idle
	rq.current = idle
	rq.mu.Unlock()

	go rq.idleLoop()
}

// idleLoop is the body of the idle task: run whatever is ready, otherwise
// wait for an IPI.
func (rq *RunQueue) idleLoop() {
	idle := rq.idle
	for {
		rq.mu.Lock()
		if rq.policy.len() > 0 {
			rq.resched(idle)
			continue
		}
		rq.mu.Unlock()

		select {
		case <-rq.kick:
		case <-rq.k.halt:
			return
		}
	}
}

// addTask inserts a Ready task into the ready set. If the CPU might be
// idling it is sent an IPI so it re-evaluates.
func (rq *RunQueue) addTask(t *Task, resched bool) {
	rq.mu.Lock()
	t.mu.Lock()
	if t.state != StateReady {
		t.mu.Unlock()
		rq.mu.Unlock()
		panic(fmt.Sprintf("sched: adding %s in state %v to CPU %d", t.IDName(), t.state, rq.id))
	}
	t.move(placeReady, placeNone)
	t.mu.Unlock()

	rq.policy.addTask(t)
	rq.nrReady.Add(1)
	idle := rq.current == nil || rq.current.idle
	if resched && !idle {
		rq.needResched = true
	}
	rq.mu.Unlock()

	if idle {
		rq.k.platform.SendIPI(rq.id)
	}
}

// yieldCurrent moves the running task to the back of the ready set and
// switches to whatever the policy picks next.
func (rq *RunQueue) yieldCurrent(t *Task) {
	rq.mu.Lock()
	rq.k.trace(EventYield, rq.id, t)
	rq.resched(t)
}

// preemptCurrent reschedules if a tick or a wakeup requested it.
func (rq *RunQueue) preemptCurrent(t *Task) {
	rq.mu.Lock()
	if !rq.needResched || rq.current != t {
		rq.mu.Unlock()
		return
	}
	rq.k.trace(EventPreempt, rq.id, t)
	rq.resched(t)
}

// schedulerTimerTick charges one tick to the running task.
func (rq *RunQueue) schedulerTimerTick() {
	rq.ticks.Add(1)

	rq.mu.Lock()
	curr := rq.current
	if curr != nil && !curr.idle {
		curr.ticks.Add(1)
		if rq.policy.taskTick(curr) {
			rq.needResched = true
		}
	}
	rq.mu.Unlock()

	if curr != nil {
		rq.k.trace(EventTick, rq.id, curr)
	}
}

// resched is the common reschedule subroutine. rq.mu must be held and prev
// must be the current task; the lock is released before returning. Unless
// prev exited, resched returns once prev has been switched back in, possibly
// on another CPU.
func (rq *RunQueue) resched(prev *Task) {
	if rq.current != prev {
		rq.mu.Unlock()
		panic(fmt.Sprintf("sched: %s rescheduling CPU %d whose current is %v", prev.IDName(), rq.id, rq.current))
	}

	prev.mu.Lock()
	state := prev.state
	migrate := false
	switch state {
	case StateRunning:
		prev.state = StateReady
		switch {
		case prev.idle:
			prev.move(placeNone, placeRunning)
		case !prev.allowedOn(rq.id):
			// Affinity changed while running; placed elsewhere after the switch.
			prev.move(placeNone, placeRunning)
			migrate = true
		default:
			prev.move(placeReady, placeRunning)
			rq.policy.yieldTask(prev)
			rq.nrReady.Add(1)
		}
	case StateReady:
		// Woken between announcing a block and switching out: keep running.
		prev.state = StateRunning
		prev.mu.Unlock()
		rq.mu.Unlock()
		return
	case StateBlocked, StateSleeping, StateExited:
	default:
		prev.mu.Unlock()
		rq.mu.Unlock()
		panic(fmt.Sprintf("sched: %s in unknown state %d", prev.IDName(), state))
	}
	// From here on prev may be woken and queued elsewhere; the wake channel
	// keeps that resume until prev parks below.
	prev.onCPU = false
	prev.mu.Unlock()

	next := rq.policy.pickNextTask()
	if next != nil {
		rq.policy.removeTask(next)
		rq.nrReady.Add(-1)
	} else {
		next = rq.idle
	}
	rq.needResched = false
	rq.switchTo(prev, next)
	if next == prev {
		return
	}

	if migrate {
		rq.k.SelectRunQueue(prev).addTask(prev, true)
	}
	if state != StateExited {
		prev.park()
	}
}

// switchTo makes next the current task and hands it the CPU. rq.mu must be
// held; it is released before next is resumed.
func (rq *RunQueue) switchTo(prev, next *Task) {
	next.mu.Lock()
	if next.state == StateExited {
		next.mu.Unlock()
		rq.mu.Unlock()
		panic(fmt.Sprintf("sched: scheduling exited %s", next.IDName()))
	}
	next.state = StateRunning
	next.onCPU = true
	if next.idle {
		next.move(placeRunning, placeNone)
	} else {
		next.move(placeRunning, placeReady)
	}
	next.mu.Unlock()

	next.cpu.Store(int32(rq.id))
	rq.current = next
	rq.busy.Store(!next.idle)
	if prev == next {
		rq.mu.Unlock()
		return
	}
	rq.switches++
	next.switches.Add(1)
	if !next.idle {
		rq.k.trace(EventDispatch, rq.id, next)
	}
	rq.mu.Unlock()

	next.resume()
}

// kickIdle wakes the idle loop if it is waiting.
func (rq *RunQueue) kickIdle() {
	select {
	case rq.kick <- struct{}{}:
	default:
	}
}
