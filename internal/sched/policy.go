// internal/sched/policy.go

package sched

import (
	"fmt"
	"strings"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/emirpasic/gods/trees/redblacktree"
)

// PolicyKind selects the scheduling policy of every run queue.
type PolicyKind int

const (
	PolicyFIFO PolicyKind = iota
	PolicyRoundRobin
	PolicyCFS
	PolicyMLFQ
	PolicySJF
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyFIFO:
		return "fifo"
	case PolicyRoundRobin:
		return "rr"
	case PolicyCFS:
		return "cfs"
	case PolicyMLFQ:
		return "mlfq"
	case PolicySJF:
		return "sjf"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a PolicyKind.
func ParsePolicy(s string) (PolicyKind, error) {
	switch strings.ToLower(s) {
	case "fifo":
		return PolicyFIFO, nil
	case "rr", "round-robin", "roundrobin":
		return PolicyRoundRobin, nil
	case "cfs":
		return PolicyCFS, nil
	case "mlfq":
		return PolicyMLFQ, nil
	case "sjf":
		return PolicySJF, nil
	default:
		return 0, fmt.Errorf("unknown scheduling policy %q", s)
	}
}

// Nice range, as in Linux.
const (
	MinNice = -20
	MaxNice = 19
)

// https://elixir.bootlin.com/linux/latest/source/kernel/sched/core.c
var niceToWeight = [MaxNice - MinNice + 1]int64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

func weightOf(nice int) int64 { return niceToWeight[nice-MinNice] }

// policy orders one CPU's ready set. It is a closed variant dispatched on
// kind rather than an interface so the hot path stays monomorphic. Callers
// hold the owning run queue's lock.
type policy struct {
	kind       PolicyKind
	sliceTicks int

	queue  *doublylinkedlist.List   // FIFO and Round-Robin ring
	levels []*doublylinkedlist.List // MLFQ, level 0 runs first
	tree   *redblacktree.Tree       // CFS by (vruntime, seq), SJF by (expected, seq)

	minVruntime int64
	seq         uint64

	resetTicks int // MLFQ: ticks between priority resets
	resetLeft  int
	alpha      float64 // SJF: weight of the last burst in the estimate
}

func newPolicy(kind PolicyKind, cfg Config) *policy {
	p := &policy{kind: kind, sliceTicks: cfg.SliceTicks}
	switch kind {
	case PolicyCFS, PolicySJF:
		p.tree = redblacktree.NewWith(cmp)
		p.alpha = cfg.Alpha
	case PolicyMLFQ:
		p.levels = make([]*doublylinkedlist.List, cfg.MLFQLevels)
		for i := range p.levels {
			p.levels[i] = doublylinkedlist.New()
		}
		p.resetTicks = cfg.MLFQResetTicks
		p.resetLeft = cfg.MLFQResetTicks
	default:
		p.queue = doublylinkedlist.New()
	}
	return p
}

// addTask inserts a newly ready task at the back.
func (p *policy) addTask(t *Task) {
	switch p.kind {
	case PolicyFIFO:
		p.queue.Append(t)
	case PolicyRoundRobin:
		if t.slice <= 0 {
			t.slice = p.sliceTicks
		}
		p.queue.Append(t)
	case PolicyCFS:
		if t.vruntime < p.minVruntime {
			t.vruntime = p.minVruntime
		}
		p.putTree(t, t.vruntime)
	case PolicyMLFQ:
		if t.level >= len(p.levels) {
			t.level = len(p.levels) - 1
		}
		if t.slice <= 0 {
			t.slice = p.mlfqSlice(t.level)
		}
		p.levels[t.level].Append(t)
	case PolicySJF:
		// a task coming back from a block ends the burst it ran before
		if t.burst > 0 {
			p.estimate(t)
		}
		p.putTree(t, t.expected)
	}
}

// removeTask drops t from the ready set. It reports whether t was present.
func (p *policy) removeTask(t *Task) bool {
	switch p.kind {
	case PolicyCFS, PolicySJF:
		if _, ok := p.tree.Get(t.node); !ok {
			return false
		}
		p.tree.Remove(t.node)
		if p.kind == PolicyCFS {
			p.updateMinVruntime()
		}
		return true
	case PolicyMLFQ:
		if t.level >= len(p.levels) {
			return false
		}
		return removeFrom(p.levels[t.level], t)
	default:
		return removeFrom(p.queue, t)
	}
}

func removeFrom(l *doublylinkedlist.List, t *Task) bool {
	i := l.IndexOf(t)
	if i < 0 {
		return false
	}
	l.Remove(i)
	return true
}

// yieldTask re-enqueues the previously running task at the back. For
// Round-Robin an exhausted slice is refilled here; MLFQ demotes a task that
// used its whole slice.
func (p *policy) yieldTask(t *Task) {
	switch p.kind {
	case PolicyFIFO:
		p.queue.Append(t)
	case PolicyRoundRobin:
		if t.slice <= 0 {
			t.slice = p.sliceTicks
		}
		p.queue.Append(t)
	case PolicyCFS:
		p.putTree(t, t.vruntime)
	case PolicyMLFQ:
		if t.slice <= 0 && t.level < len(p.levels)-1 {
			t.level++
		}
		t.slice = p.mlfqSlice(t.level)
		p.levels[t.level].Append(t)
	case PolicySJF:
		p.estimate(t)
		p.putTree(t, t.expected)
	}
}

// pickNextTask returns the task that should run next without removing it.
func (p *policy) pickNextTask() *Task {
	switch p.kind {
	case PolicyCFS, PolicySJF:
		node := p.tree.Left()
		if node == nil {
			return nil
		}
		return node.Value.(*Task)
	case PolicyMLFQ:
		for _, l := range p.levels {
			if v, ok := l.Get(0); ok {
				return v.(*Task)
			}
		}
		return nil
	default:
		v, ok := p.queue.Get(0)
		if !ok {
			return nil
		}
		return v.(*Task)
	}
}

// taskTick charges one tick to the running task and reports whether it
// should be rescheduled.
func (p *policy) taskTick(curr *Task) bool {
	switch p.kind {
	case PolicyRoundRobin:
		curr.slice--
		return curr.slice <= 0
	case PolicyCFS:
		curr.vruntime += 1024 * 1024 / weightOf(curr.nice)
		node := p.tree.Left()
		return node != nil && curr.vruntime > node.Key.(nodeKey).rank
	case PolicyMLFQ:
		p.resetLeft--
		if p.resetLeft <= 0 {
			p.resetLeft = p.resetTicks
			p.resetLevels(curr)
			return true
		}
		curr.slice--
		return curr.slice <= 0
	case PolicySJF:
		curr.burst++
		return false
	default:
		return false
	}
}

// setPriority changes t's nice value. Only CFS weighs it; the others accept
// and store any in-range value.
func (p *policy) setPriority(t *Task, nice int) bool {
	if nice < MinNice || nice > MaxNice {
		return false
	}
	t.nice = nice
	return true
}

func (p *policy) len() int {
	switch p.kind {
	case PolicyCFS, PolicySJF:
		return p.tree.Size()
	case PolicyMLFQ:
		n := 0
		for _, l := range p.levels {
			n += l.Size()
		}
		return n
	default:
		return p.queue.Size()
	}
}

func (p *policy) putTree(t *Task, rank int64) {
	p.seq++
	t.seq = p.seq
	t.node = nodeKey{rank: rank, seq: t.seq}
	p.tree.Put(t.node, t)
	if p.kind == PolicyCFS {
		p.updateMinVruntime()
	}
}

func (p *policy) updateMinVruntime() {
	if node := p.tree.Left(); node != nil {
		if v := node.Key.(nodeKey).rank; v > p.minVruntime {
			p.minVruntime = v
		}
	}
}

// mlfqSlice doubles the base slice for every level below the top.
func (p *policy) mlfqSlice(level int) int {
	return p.sliceTicks << uint(level)
}

// resetLevels moves every ready task back to level 0, keeping the order in
// which the levels would have run them. curr is the running task.
func (p *policy) resetLevels(curr *Task) {
	top := p.levels[0]
	for _, l := range p.levels[1:] {
		for _, v := range l.Values() {
			top.Append(v)
		}
		l.Clear()
	}
	for _, v := range top.Values() {
		t := v.(*Task)
		t.level = 0
		t.slice = p.sliceTicks
	}
	curr.level = 0
	curr.slice = p.sliceTicks
}

// estimate folds the burst that just ended into t's expected runtime, an
// exponential moving average in 1/1024 tick units.
func (p *policy) estimate(t *Task) {
	burst := t.burst * 1024
	t.expected += int64(p.alpha * float64(burst-t.expected))
	t.burst = 0
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	rank int64 // vruntime for CFS, expected runtime for SJF
	seq  uint64
}

// cmp orders nodeKeys by rank, then by arrival.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.rank < kb.rank:
		return -1
	case ka.rank > kb.rank:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
