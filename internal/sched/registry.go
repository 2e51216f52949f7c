package sched

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// registry maps live task ids to tasks, in id order.
type registry struct {
	mu     sync.Mutex
	tasks  *treemap.Map
	logger *slog.Logger
}

func compareTaskID(a, b any) int {
	x, y := a.(TaskID), b.(TaskID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		tasks:  treemap.NewWith(compareTaskID),
		logger: logger,
	}
}

func (r *registry) register(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tasks.Get(t.id); found {
		panic(fmt.Sprintf("sched: task id %d registered twice", t.id))
	}
	r.tasks.Put(t.id, t)
}

func (r *registry) unregister(id TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tasks.Get(id); !found {
		r.logger.Warn("unregister of unknown task", "id", id)
		return false
	}
	r.tasks.Remove(id)
	return true
}

func (r *registry) find(id TaskID) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, found := r.tasks.Get(id)
	if !found {
		return nil
	}
	return v.(*Task)
}

func (r *registry) snapshot() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, r.tasks.Size())
	it := r.tasks.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Task))
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Size()
}
