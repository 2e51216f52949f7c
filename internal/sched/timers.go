package sched

import (
	"sync"
	"time"

	"ktask/internal/timerlist"
)

// timerEvent wakes task when it expires, unless the task's ticket moved on.
type timerEvent struct {
	task   *Task
	ticket uint64
}

// cpuTimers is one CPU's pending timeouts, one entry per task.
type cpuTimers struct {
	mu   sync.Mutex
	list *timerlist.List[TaskID, timerEvent]
}

func (ct *cpuTimers) init() {
	ct.list = timerlist.New[TaskID, timerEvent]()
}

// PendingTimers returns the number of pending timeouts on this CPU.
func (rq *RunQueue) PendingTimers() int {
	rq.timers.mu.Lock()
	defer rq.timers.mu.Unlock()
	return rq.timers.list.Len()
}

// armTimer registers a timeout for t, which is about to block on its
// current CPU.
func (k *Kernel) armTimer(t *Task, deadline time.Duration) {
	rq := k.runQueueOf(t)
	ev := timerEvent{task: t, ticket: t.ticket.Load()}

	rq.timers.mu.Lock()
	rq.timers.list.Set(t.id, deadline, ev)
	t.timerCPU.Store(int32(rq.id))
	rq.timers.mu.Unlock()
}

// disarmTimer invalidates t's pending timeout, if any. The ticket is bumped
// under t.mu so an expiry racing with this call cannot wake a later wait.
func (k *Kernel) disarmTimer(t *Task) {
	t.mu.Lock()
	t.ticket.Add(1)
	t.mu.Unlock()

	cpu := t.timerCPU.Swap(-1)
	if cpu < 0 {
		return
	}
	tm := &k.cpus[cpu].timers
	tm.mu.Lock()
	tm.list.Cancel(t.id)
	tm.mu.Unlock()
}

// checkEvents fires every timeout on rq that is due.
func (k *Kernel) checkEvents(rq *RunQueue) {
	now := k.Now()
	for {
		rq.timers.mu.Lock()
		_, ev, ok := rq.timers.list.ExpireOne(now)
		rq.timers.mu.Unlock()
		if !ok {
			return
		}
		k.fireTimeout(ev)
	}
}

func (k *Kernel) fireTimeout(ev timerEvent) {
	t := ev.task
	t.mu.Lock()
	if t.ticket.Load() != ev.ticket {
		t.mu.Unlock()
		return
	}
	_, enqueue := k.wakeLocked(t, wakeTimeout)
	t.mu.Unlock()
	if enqueue {
		k.enqueueWoken(t, true)
	}
}
