// internal/hal/host.go

package hal

import (
	"sync"
	"sync/atomic"
	"time"
)

// Host drives the kernel from the host's real monotonic clock. Each CPU owns
// one re-armable one-shot timer; timer interrupts are serialized the way a
// single interrupt controller would deliver them.
type Host struct {
	boot time.Time

	mu      sync.Mutex // protects handler, timers and stopped
	handler InterruptHandler
	timers  map[int]*time.Timer
	stopped bool

	irqMu sync.Mutex // serializes timer interrupt delivery

	ticks atomic.Int64 // timer interrupts delivered
	ipis  atomic.Int64 // IPIs delivered
}

// NewHost creates a platform whose clock starts now.
func NewHost() *Host {
	return &Host{
		boot:   time.Now(),
		timers: make(map[int]*time.Timer),
	}
}

// Now returns the time elapsed since the platform was created.
func (h *Host) Now() TimeValue { return time.Since(h.boot) }

// Bind installs the interrupt handler.
func (h *Host) Bind(handler InterruptHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// SetOneshotTimer arms cpu's timer for deadline, replacing any earlier one.
func (h *Host) SetOneshotTimer(cpu int, deadline TimeValue) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || h.handler == nil {
		return
	}
	d := deadline - h.Now()
	if d < 0 {
		d = 0
	}
	if t, ok := h.timers[cpu]; ok {
		t.Stop()
	}
	h.timers[cpu] = time.AfterFunc(d, func() { h.fire(cpu) })
}

// SendIPI interrupts cpu.
func (h *Host) SendIPI(cpu int) {
	handler := h.current()
	if handler == nil {
		return
	}
	h.ipis.Add(1)
	handler.OnIPI(cpu)
}

// Stop disarms every timer.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for cpu, t := range h.timers {
		t.Stop()
		delete(h.timers, cpu)
	}
}

// Ticks returns the number of timer interrupts delivered so far.
func (h *Host) Ticks() int64 { return h.ticks.Load() }

// IPIs returns the number of IPIs delivered so far.
func (h *Host) IPIs() int64 { return h.ipis.Load() }

func (h *Host) current() InterruptHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	return h.handler
}

func (h *Host) fire(cpu int) {
	handler := h.current()
	if handler == nil {
		return
	}

	h.irqMu.Lock()
	defer h.irqMu.Unlock()
	h.ticks.Add(1)
	handler.OnTimerTick(cpu)
}
