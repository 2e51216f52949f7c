package sched

import (
	"fmt"
	"strings"
)

// PlacementPolicy chooses the run queue a ready task is inserted into.
type PlacementPolicy int

const (
	// PlacementLeastLoaded picks the allowed CPU with the fewest ready and
	// running tasks; ties go to the task's last CPU, then the lowest id.
	PlacementLeastLoaded PlacementPolicy = iota
	// PlacementLocal keeps a task on its last CPU whenever its affinity
	// allows it.
	PlacementLocal
)

func (p PlacementPolicy) String() string {
	switch p {
	case PlacementLeastLoaded:
		return "least-loaded"
	case PlacementLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ParsePlacement maps a config string to a PlacementPolicy.
func ParsePlacement(s string) (PlacementPolicy, error) {
	switch strings.ToLower(s) {
	case "", "least-loaded", "leastloaded":
		return PlacementLeastLoaded, nil
	case "local":
		return PlacementLocal, nil
	default:
		return 0, fmt.Errorf("unknown placement policy %q", s)
	}
}

// SelectRunQueue returns the run queue t should be enqueued on. It always
// honors t's affinity.
func (k *Kernel) SelectRunQueue(t *Task) *RunQueue {
	last := t.CPU()
	if k.placement == PlacementLocal && last >= 0 && last < len(k.cpus) && t.allowedOn(last) {
		return k.cpus[last]
	}

	var best *RunQueue
	bestLoad := 0
	for _, rq := range k.cpus {
		if !t.allowedOn(rq.id) {
			continue
		}
		load := rq.load()
		if best == nil || load < bestLoad || (load == bestLoad && rq.id == last) {
			best, bestLoad = rq, load
		}
	}
	if best == nil {
		panic(fmt.Sprintf("sched: %s has no allowed CPU (affinity %#x)", t.IDName(), t.Affinity()))
	}
	return best
}
