// Package hal is the hardware-abstraction boundary of the kernel: a
// monotonic clock, one-shot timer per CPU and inter-processor interrupts.
package hal

import "time"

// TimeValue is a monotonic timestamp measured from boot.
type TimeValue = time.Duration

// Forever is a deadline that never expires.
const Forever TimeValue = 1<<63 - 1

// InterruptHandler is the trap-layer entry into the kernel.
type InterruptHandler interface {
	// OnTimerTick is called once per timer interrupt on the given CPU.
	OnTimerTick(cpu int)
	// OnIPI is called when another CPU nudges cpu with an IPI.
	OnIPI(cpu int)
}

// Platform is what the scheduler consumes from the hardware.
type Platform interface {
	// Now reads the monotonic clock.
	Now() TimeValue
	// SetOneshotTimer arms the next timer interrupt of cpu. A later call
	// replaces the earlier deadline.
	SetOneshotTimer(cpu int, deadline TimeValue)
	// SendIPI delivers an inter-processor interrupt to cpu.
	SendIPI(cpu int)
	// Bind installs the interrupt handler. It must be called before any
	// timer is armed.
	Bind(h InterruptHandler)
	// Stop disarms every timer; no interrupt is delivered afterwards.
	Stop()
}
