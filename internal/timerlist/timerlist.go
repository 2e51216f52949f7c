// Package timerlist keeps deadline-ordered events, at most one per key.
//
// A List is not safe for concurrent use; the owner serializes access.
package timerlist

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// nodeKey orders events by deadline, then by insertion sequence so that
// events with equal deadlines expire in the order they were set.
type nodeKey struct {
	deadline time.Duration
	seq      uint64
}

func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

type item[K comparable, E any] struct {
	key   K
	event E
}

// List is a min-ordered collection of timer events keyed by K.
type List[K comparable, E any] struct {
	tree  *redblacktree.Tree
	index map[K]nodeKey
	seq   uint64
}

// New creates an empty list.
func New[K comparable, E any]() *List[K, E] {
	return &List[K, E]{
		tree:  redblacktree.NewWith(cmp),
		index: make(map[K]nodeKey),
	}
}

// Set schedules event for deadline, replacing any pending event for key.
func (l *List[K, E]) Set(key K, deadline time.Duration, event E) {
	l.Cancel(key)
	l.seq++
	nk := nodeKey{deadline: deadline, seq: l.seq}
	l.tree.Put(nk, item[K, E]{key: key, event: event})
	l.index[key] = nk
}

// Cancel drops the pending event for key. It reports whether one existed.
func (l *List[K, E]) Cancel(key K) bool {
	nk, ok := l.index[key]
	if !ok {
		return false
	}
	l.tree.Remove(nk)
	delete(l.index, key)
	return true
}

// Contains reports whether an event is pending for key.
func (l *List[K, E]) Contains(key K) bool {
	_, ok := l.index[key]
	return ok
}

// NextDeadline returns the earliest pending deadline.
func (l *List[K, E]) NextDeadline() (time.Duration, bool) {
	node := l.tree.Left()
	if node == nil {
		return 0, false
	}
	return node.Key.(nodeKey).deadline, true
}

// ExpireOne removes and returns the earliest event whose deadline is at or
// before now.
func (l *List[K, E]) ExpireOne(now time.Duration) (deadline time.Duration, event E, ok bool) {
	node := l.tree.Left()
	if node == nil {
		return 0, event, false
	}
	nk := node.Key.(nodeKey)
	if nk.deadline > now {
		return 0, event, false
	}
	it := node.Value.(item[K, E])
	l.tree.Remove(nk)
	delete(l.index, it.key)
	return nk.deadline, it.event, true
}

// Len returns the number of pending events.
func (l *List[K, E]) Len() int { return l.tree.Size() }

// IsEmpty reports whether no event is pending.
func (l *List[K, E]) IsEmpty() bool { return l.tree.Empty() }
