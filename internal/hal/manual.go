package hal

import (
	"sort"
	"sync"
)

// Manual is a platform whose clock only moves when Advance is called. Timer
// interrupts and IPIs are delivered synchronously in the caller's goroutine,
// which makes scheduling deterministic enough to test.
type Manual struct {
	mu        sync.Mutex
	now       TimeValue
	handler   InterruptHandler
	deadlines map[int]TimeValue
	ipis      map[int]int
	stopped   bool
}

// NewManual creates a stepped platform at time zero.
func NewManual() *Manual {
	return &Manual{
		deadlines: make(map[int]TimeValue),
		ipis:      make(map[int]int),
	}
}

// Now returns the stepped clock.
func (m *Manual) Now() TimeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Bind routes interrupts to h.
func (m *Manual) Bind(h InterruptHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetOneshotTimer arms cpu's timer for deadline, replacing any earlier one.
func (m *Manual) SetOneshotTimer(cpu int, deadline TimeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.deadlines[cpu] = deadline
	}
}

// SendIPI counts the IPI and delivers it to the handler in the caller.
func (m *Manual) SendIPI(cpu int) {
	m.mu.Lock()
	h := m.handler
	if m.stopped {
		h = nil
	}
	m.ipis[cpu]++
	m.mu.Unlock()

	if h != nil {
		h.OnIPI(cpu)
	}
}

// Stop disarms every timer and drops later interrupts.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	clear(m.deadlines)
}

// Advance moves the clock forward by d and fires the timer interrupt of
// every CPU whose armed deadline has been reached, lowest CPU first.
func (m *Manual) Advance(d TimeValue) {
	m.mu.Lock()
	m.now += d
	var due []int
	for cpu, deadline := range m.deadlines {
		if deadline <= m.now {
			due = append(due, cpu)
			delete(m.deadlines, cpu)
		}
	}
	h := m.handler
	if m.stopped {
		h = nil
	}
	m.mu.Unlock()

	if h == nil {
		return
	}
	sort.Ints(due)
	for _, cpu := range due {
		h.OnTimerTick(cpu)
	}
}

// Deadline reports the armed deadline of cpu, if any.
func (m *Manual) Deadline(cpu int) (TimeValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadlines[cpu]
	return d, ok
}

// IPIs returns how many IPIs were sent to cpu.
func (m *Manual) IPIs(cpu int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ipis[cpu]
}
