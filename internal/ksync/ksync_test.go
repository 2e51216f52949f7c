package ksync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ktask/internal/hal"
	"ktask/internal/logging"
	"ktask/internal/sched"
)

func newKernel(t *testing.T, cpus int, policy string) *sched.Kernel {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.CPUs = cpus
	cfg.Policy = policy
	cfg.TickMS = 1
	cfg.DebugAssertions = true
	k, err := sched.New(cfg, hal.NewHost(), logging.Discard())
	if err != nil {
		t.Fatalf("sched.New() error: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

func spawnN(k *sched.Kernel, n int, entry func(ctx context.Context, i int)) []*sched.Task {
	tasks := make([]*sched.Task, n)
	for i := range tasks {
		i := i
		tasks[i] = k.Spawn(func(ctx context.Context) { entry(ctx, i) })
	}
	return tasks
}

func waitAll(t *testing.T, tasks []*sched.Task) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-timeout:
			t.Fatalf("%s did not finish (state %v)", task, task.State())
		}
	}
}

func TestMutexCounter(t *testing.T) {
	const n, m = 8, 500
	for _, policy := range []string{"fifo", "rr"} {
		t.Run(policy, func(t *testing.T) {
			k := newKernel(t, 4, policy)

			var mu Mutex
			counter := 0
			tasks := spawnN(k, n, func(ctx context.Context, _ int) {
				for j := 0; j < m; j++ {
					mu.Lock(ctx)
					v := counter
					if j%16 == 0 {
						sched.YieldNow(ctx)
					}
					counter = v + 1
					mu.Unlock(ctx)
				}
			})
			k.Start()
			waitAll(t, tasks)

			if counter != n*m {
				t.Errorf("counter = %d, want %d", counter, n*m)
			}
			if mu.IsLocked() {
				t.Errorf("mutex still locked")
			}
			if q := k.FutexQueues(); q != 0 {
				t.Errorf("futex queues = %d, want 0", q)
			}
		})
	}
}

func TestMutexTryLock(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	var mu Mutex
	var first, second, afterUnlock bool
	task := k.Spawn(func(ctx context.Context) {
		first = mu.TryLock(ctx)
		second = mu.TryLock(ctx)
		mu.Unlock(ctx)
		afterUnlock = mu.TryLock(ctx)
		mu.Unlock(ctx)
	})
	k.Start()
	waitAll(t, []*sched.Task{task})

	if !first || second || !afterUnlock {
		t.Errorf("TryLock = %v/%v/%v, want true/false/true", first, second, afterUnlock)
	}
}

func TestMutexMisusePanics(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	var relock, foreignUnlock atomic.Bool
	task := k.Spawn(func(ctx context.Context) {
		var mu Mutex
		func() {
			defer func() { relock.Store(recover() != nil) }()
			mu.Lock(ctx)
			mu.Lock(ctx)
		}()

		var other Mutex
		func() {
			defer func() { foreignUnlock.Store(recover() != nil) }()
			other.Unlock(ctx)
		}()
	})
	k.Start()
	waitAll(t, []*sched.Task{task})

	if !relock.Load() {
		t.Errorf("re-locking a held mutex did not panic")
	}
	if !foreignUnlock.Load() {
		t.Errorf("unlocking an unheld mutex did not panic")
	}
}

func TestCondvarProducerConsumer(t *testing.T) {
	const items = 2000
	k := newKernel(t, 2, "fifo")

	var mu Mutex
	var cv Condvar
	var queue []int
	received := 0
	sum := 0

	consumer := k.Spawn(func(ctx context.Context) {
		mu.Lock(ctx)
		defer mu.Unlock(ctx)
		for received < items {
			cv.WaitWhile(ctx, &mu, func() bool { return len(queue) == 0 })
			for _, v := range queue {
				sum += v
				received++
			}
			queue = queue[:0]
			cv.NotifyOne(ctx)
		}
	})
	producer := k.Spawn(func(ctx context.Context) {
		for i := 1; i <= items; i++ {
			mu.Lock(ctx)
			for len(queue) >= 4 {
				cv.Wait(ctx, &mu)
			}
			queue = append(queue, i)
			// alternate between notifying before and after the consumer waits
			if i%2 == 0 {
				cv.NotifyOne(ctx)
				mu.Unlock(ctx)
			} else {
				mu.Unlock(ctx)
				cv.NotifyAll(ctx)
			}
		}
	})
	k.Start()
	waitAll(t, []*sched.Task{consumer, producer})

	if received != items || sum != items*(items+1)/2 {
		t.Errorf("received %d items summing to %d, want %d / %d", received, sum, items, items*(items+1)/2)
	}
}

func TestCondvarWaitTimeout(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	var mu Mutex
	var cv Condvar
	var timedOut bool
	task := k.Spawn(func(ctx context.Context) {
		mu.Lock(ctx)
		timedOut = cv.WaitTimeout(ctx, &mu, 10*time.Millisecond)
		mu.Unlock(ctx)
	})
	k.Start()
	waitAll(t, []*sched.Task{task})

	if !timedOut {
		t.Errorf("WaitTimeout() = false with no notifier")
	}
}

func TestBarrierLeaderPerRound(t *testing.T) {
	const n, rounds = 5, 20
	k := newKernel(t, 3, "fifo")

	b := NewBarrier(n)
	var leaders atomic.Int32
	var arrived [rounds]atomic.Int32
	var early atomic.Bool
	tasks := spawnN(k, n, func(ctx context.Context, _ int) {
		for r := 0; r < rounds; r++ {
			arrived[r].Add(1)
			if b.Wait(ctx) {
				leaders.Add(1)
			}
			if arrived[r].Load() != n {
				early.Store(true)
			}
		}
	})
	k.Start()
	waitAll(t, tasks)

	if got := leaders.Load(); got != rounds {
		t.Errorf("leaders = %d, want one per round (%d)", got, rounds)
	}
	if early.Load() {
		t.Errorf("a task passed the barrier before everyone arrived")
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	const permits, n = 2, 6
	k := newKernel(t, 4, "fifo")

	s := NewSemaphore(permits)
	var inside, maxInside atomic.Int32
	tasks := spawnN(k, n, func(ctx context.Context, _ int) {
		for j := 0; j < 20; j++ {
			s.Acquire(ctx)
			cur := inside.Add(1)
			for {
				m := maxInside.Load()
				if cur <= m || maxInside.CompareAndSwap(m, cur) {
					break
				}
			}
			sched.Sleep(ctx, 100*time.Microsecond)
			inside.Add(-1)
			s.Release()
		}
	})
	k.Start()
	waitAll(t, tasks)

	if got := maxInside.Load(); got > permits {
		t.Errorf("max concurrent holders = %d, want <= %d", got, permits)
	}
	if s.Available() != permits {
		t.Errorf("Available() = %d, want %d", s.Available(), permits)
	}
}

func TestSemaphoreAcquireTimeout(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	s := NewSemaphore(0)
	var got, gotLater bool
	task := k.Spawn(func(ctx context.Context) {
		got = s.AcquireTimeout(ctx, 5*time.Millisecond)
		s.Release()
		gotLater = s.AcquireTimeout(ctx, 5*time.Millisecond)
	})
	k.Start()
	waitAll(t, []*sched.Task{task})

	if got {
		t.Errorf("AcquireTimeout() on empty semaphore = true")
	}
	if !gotLater {
		t.Errorf("AcquireTimeout() with a permit = false")
	}
}

func TestRWMutexReadersShare(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	var rw RWMutex
	var active, peak atomic.Int32
	tasks := spawnN(k, 4, func(ctx context.Context, _ int) {
		rw.RLock(ctx)
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		// let the other readers in while this one holds the lock
		sched.YieldNow(ctx)
		active.Add(-1)
		rw.RUnlock()
	})
	k.Start()
	waitAll(t, tasks)

	if peak.Load() != 4 {
		t.Errorf("peak readers = %d, want 4", peak.Load())
	}
	if rw.Readers() != 0 {
		t.Errorf("readers after release = %d", rw.Readers())
	}
}

func TestRWMutexWriterExclusive(t *testing.T) {
	k := newKernel(t, 4, "rr")

	var rw RWMutex
	var readers, writers atomic.Int32
	var violations atomic.Int32
	value := 0
	tasks := spawnN(k, 8, func(ctx context.Context, i int) {
		for j := 0; j < 100; j++ {
			if i%2 == 0 {
				rw.Lock(ctx)
				if writers.Add(1) != 1 || readers.Load() != 0 {
					violations.Add(1)
				}
				value++
				sched.YieldNow(ctx)
				writers.Add(-1)
				rw.Unlock(ctx)
			} else {
				rw.RLock(ctx)
				readers.Add(1)
				if writers.Load() != 0 {
					violations.Add(1)
				}
				sched.YieldNow(ctx)
				readers.Add(-1)
				rw.RUnlock()
			}
		}
	})
	k.Start()
	waitAll(t, tasks)

	if violations.Load() != 0 {
		t.Errorf("%d overlaps between a writer and another holder", violations.Load())
	}
	if value != 4*100 {
		t.Errorf("value = %d, want %d", value, 4*100)
	}
}

func TestRWMutexWaitingWriterBlocksNewReaders(t *testing.T) {
	k := newKernel(t, 1, "fifo")

	var rw RWMutex
	var log []string
	var logMu Mutex
	record := func(ctx context.Context, s string) {
		logMu.Lock(ctx)
		log = append(log, s)
		logMu.Unlock(ctx)
	}

	first := k.Spawn(func(ctx context.Context) {
		rw.RLock(ctx)
		record(ctx, "r1")
		// writer and second reader queue up behind us
		sched.YieldNow(ctx)
		sched.YieldNow(ctx)
		rw.RUnlock()
	})
	writer := k.Spawn(func(ctx context.Context) {
		rw.Lock(ctx)
		record(ctx, "w")
		rw.Unlock(ctx)
	})
	second := k.Spawn(func(ctx context.Context) {
		if rw.TryRLock() {
			t.Errorf("TryRLock succeeded with a writer waiting")
			rw.RUnlock()
		}
		rw.RLock(ctx)
		record(ctx, "r2")
		rw.RUnlock()
	})
	k.Start()
	waitAll(t, []*sched.Task{first, writer, second})

	want := []string{"r1", "w", "r2"}
	if len(log) != len(want) {
		t.Fatalf("order = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("order = %v, want %v", log, want)
		}
	}
}

func TestRWMutexMisusePanics(t *testing.T) {
	var rw RWMutex
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("RUnlock of an unlocked RWMutex did not panic")
			}
		}()
		rw.RUnlock()
	}()
}
