package hal

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	ticks []int
	ipis  []int
	tick  chan int
}

func (r *recorder) OnTimerTick(cpu int) {
	r.mu.Lock()
	r.ticks = append(r.ticks, cpu)
	r.mu.Unlock()
	if r.tick != nil {
		r.tick <- cpu
	}
}

func (r *recorder) OnIPI(cpu int) {
	r.mu.Lock()
	r.ipis = append(r.ipis, cpu)
	r.mu.Unlock()
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	m := NewManual()
	r := &recorder{}
	m.Bind(r)

	m.SetOneshotTimer(1, 20*time.Millisecond)
	m.SetOneshotTimer(0, 10*time.Millisecond)

	m.Advance(5 * time.Millisecond)
	if len(r.ticks) != 0 {
		t.Fatalf("no timer should fire at 5ms, got %v", r.ticks)
	}

	m.Advance(20 * time.Millisecond)
	if len(r.ticks) != 2 || r.ticks[0] != 0 || r.ticks[1] != 1 {
		t.Fatalf("expected ticks on cpu 0 then 1, got %v", r.ticks)
	}
	if _, ok := m.Deadline(0); ok {
		t.Error("fired timer should be disarmed")
	}
	if got := m.Now(); got != 25*time.Millisecond {
		t.Errorf("Now() = %v, want 25ms", got)
	}
}

func TestManualRearmReplacesDeadline(t *testing.T) {
	m := NewManual()
	r := &recorder{}
	m.Bind(r)

	m.SetOneshotTimer(0, time.Millisecond)
	m.SetOneshotTimer(0, time.Second)
	m.Advance(10 * time.Millisecond)
	if len(r.ticks) != 0 {
		t.Fatalf("replaced deadline should not fire, got %v", r.ticks)
	}
}

func TestManualSendIPI(t *testing.T) {
	m := NewManual()
	r := &recorder{}
	m.Bind(r)

	m.SendIPI(3)
	m.SendIPI(3)
	if m.IPIs(3) != 2 {
		t.Errorf("IPIs(3) = %d, want 2", m.IPIs(3))
	}
	if len(r.ipis) != 2 {
		t.Errorf("handler saw %d IPIs, want 2", len(r.ipis))
	}

	m.Stop()
	m.SendIPI(3)
	if len(r.ipis) != 2 {
		t.Error("no IPI should be delivered after Stop")
	}
}

func TestHostOneshotTimer(t *testing.T) {
	h := NewHost()
	r := &recorder{tick: make(chan int, 1)}
	h.Bind(r)
	defer h.Stop()

	start := h.Now()
	h.SetOneshotTimer(2, start+5*time.Millisecond)

	select {
	case cpu := <-r.tick:
		if cpu != 2 {
			t.Errorf("tick on cpu %d, want 2", cpu)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	if elapsed := h.Now() - start; elapsed < 5*time.Millisecond {
		t.Errorf("timer fired after %v, want >= 5ms", elapsed)
	}
	if h.Ticks() != 1 {
		t.Errorf("Ticks() = %d, want 1", h.Ticks())
	}
}

func TestHostStopDisarms(t *testing.T) {
	h := NewHost()
	r := &recorder{tick: make(chan int, 1)}
	h.Bind(r)

	h.SetOneshotTimer(0, h.Now()+20*time.Millisecond)
	h.Stop()

	select {
	case <-r.tick:
		t.Fatal("timer fired after Stop")
	case <-time.After(60 * time.Millisecond):
	}
}
