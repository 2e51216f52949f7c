package job

import (
	"context"
	"runtime"
	"time"

	"ktask/internal/sched"
)

// SleepWork returns a task entry that sleeps for the given number of
// milliseconds on the kernel clock.
func SleepWork(ms int64) sched.Entry {
	d := time.Duration(ms) * time.Millisecond
	return func(ctx context.Context) {
		sched.Sleep(ctx, d)
	}
}

// SpinWork returns a task entry that stays runnable until it has been
// charged the given number of timer ticks, offering the CPU at every
// preemption point.
func SpinWork(ticks uint64) sched.Entry {
	return func(ctx context.Context) {
		self := sched.Current(ctx)
		for self.Stat().Ticks < ticks {
			sched.CheckPreempt(ctx)
			runtime.Gosched()
		}
	}
}
