// Package job holds canned workloads that exercise the scheduler end to end.
package job

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ktask/internal/ksync"
	"ktask/internal/sched"
)

// Options tune the scenarios.
type Options struct {
	Tasks int           // tasks per scenario, 10 by default
	Sleep time.Duration // duration of the sleep scenario, 1s by default
}

func (o Options) withDefaults() Options {
	if o.Tasks <= 0 {
		o.Tasks = 10
	}
	if o.Sleep <= 0 {
		o.Sleep = time.Second
	}
	return o
}

// Scenario is a workload run against a started kernel. Run returns an error
// when the scheduler violated the property the scenario checks.
type Scenario struct {
	Name        string
	Description string
	// Configure adjusts the kernel config the scenario needs, if any.
	Configure func(cfg *sched.Config)
	Run       func(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error
}

var scenarios = []Scenario{
	{
		Name:        "fifo",
		Description: "tasks print their index and yield once; order must be spawn order",
		Configure:   func(cfg *sched.Config) { cfg.CPUs, cfg.Policy = 1, "fifo" },
		Run:         runFIFO,
	},
	{
		Name:        "rr",
		Description: "spinning tasks share one CPU; all start before any finishes",
		Configure:   func(cfg *sched.Config) { cfg.CPUs, cfg.Policy = 1, "rr" },
		Run:         runRoundRobin,
	},
	{
		Name:        "sleep",
		Description: "a task sleeps and checks the elapsed time on resume",
		Run:         runSleep,
	},
	{
		Name:        "waitqueue",
		Description: "A then B block on one wait queue; notify_one wakes A, then B",
		Configure:   func(cfg *sched.Config) { cfg.CPUs = 1 },
		Run:         runWaitQueue,
	},
	{
		Name:        "futex",
		Description: "futex_wait blocks on a matching value and returns at once on a mismatch",
		Run:         runFutex,
	},
	{
		Name:        "mutex",
		Description: "tasks increment a shared counter under a mutex",
		Run:         runMutex,
	},
	{
		Name:        "condvar",
		Description: "producer and consumer exchange items through a condition variable",
		Run:         runCondvar,
	},
	{
		Name:        "barrier",
		Description: "tasks meet at a barrier for several rounds; one leader per round",
		Run:         runBarrier,
	},
	{
		Name:        "semaphore",
		Description: "a semaphore bounds how many tasks hold it at once",
		Run:         runSemaphore,
	},
	{
		Name:        "rwlock",
		Description: "readers share a reader-writer lock; writers hold it alone",
		Run:         runRWLock,
	},
}

// All returns every scenario in a stable order.
func All() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Names returns the scenario names, sorted.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// lineWriter serializes output from tasks running on different CPUs.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Wait blocks until every task has finished or ctx is done.
func Wait(ctx context.Context, tasks ...*sched.Task) error {
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (state %v): %w", t, t.State(), ctx.Err())
		}
	}
	return nil
}

func runFIFO(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	w := &lineWriter{out: out}
	var mu sync.Mutex
	var order []int
	tasks := make([]*sched.Task, opts.Tasks)
	for i := range tasks {
		i := i
		tasks[i] = k.Spawn(func(ctx context.Context) {
			w.printf("task %d", i)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			sched.YieldNow(ctx)
		}, sched.WithName(fmt.Sprintf("fifo-%d", i)))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	for i, v := range order {
		if v != i {
			return fmt.Errorf("completion order %v is not spawn order", order)
		}
	}
	return nil
}

func runRoundRobin(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	w := &lineWriter{out: out}
	work := uint64(3 * k.Config().SliceTicks)
	var started, finished atomic.Int32
	var overlap atomic.Bool
	n := min(opts.Tasks, 4)
	tasks := make([]*sched.Task, n)
	for i := range tasks {
		i := i
		spin := SpinWork(work)
		tasks[i] = k.Spawn(func(ctx context.Context) {
			started.Add(1)
			spin(ctx)
			if finished.Add(1) == 1 && started.Load() == int32(n) {
				overlap.Store(true)
			}
			w.printf("task %d done after %d ticks", i, sched.Current(ctx).Stat().Ticks)
		}, sched.WithName(fmt.Sprintf("spin-%d", i)))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	if !overlap.Load() {
		return fmt.Errorf("a task finished before all %d tasks got the CPU", n)
	}
	return nil
}

func runSleep(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	var elapsed time.Duration
	task := k.Spawn(func(ctx context.Context) {
		start := time.Now()
		sched.Sleep(ctx, opts.Sleep)
		elapsed = time.Since(start)
	}, sched.WithName("sleeper"))
	if err := Wait(ctx, task); err != nil {
		return err
	}
	fmt.Fprintf(out, "slept %v (asked for %v)\n", elapsed.Round(time.Millisecond), opts.Sleep)
	if elapsed < opts.Sleep {
		return fmt.Errorf("woke after %v, before %v", elapsed, opts.Sleep)
	}
	return nil
}

func runWaitQueue(ctx context.Context, k *sched.Kernel, out io.Writer, _ Options) error {
	w := &lineWriter{out: out}
	var wq sched.WaitQueue
	var mu sync.Mutex
	var woke []string
	waiter := func(name string) *sched.Task {
		return k.Spawn(func(ctx context.Context) {
			wq.Wait(ctx)
			w.printf("%s woken", name)
			mu.Lock()
			woke = append(woke, name)
			mu.Unlock()
		}, sched.WithName(name))
	}
	a, b := waiter("A"), waiter("B")
	notifier := k.Spawn(func(ctx context.Context) {
		for wq.Len() < 2 {
			sched.YieldNow(ctx)
		}
		for i := 0; i < 2; i++ {
			wq.NotifyOne(false)
			sched.YieldNow(ctx)
		}
	}, sched.WithName("notifier"))
	if err := Wait(ctx, a, b, notifier); err != nil {
		return err
	}
	if strings.Join(woke, ",") != "A,B" {
		return fmt.Errorf("wake order %v, want [A B]", woke)
	}
	return nil
}

func runFutex(ctx context.Context, k *sched.Kernel, out io.Writer, _ Options) error {
	var x atomic.Uint32
	x.Store(5)
	var woken bool
	var mismatch sched.FutexStatus
	waiter := k.Spawn(func(ctx context.Context) {
		woken = sched.FutexWait(ctx, &x, 5, 0)
	}, sched.WithName("futex-waiter"))
	waker := k.Spawn(func(ctx context.Context) {
		for waiter.State() != sched.StateBlocked {
			sched.YieldNow(ctx)
		}
		n := sched.FutexWake(ctx, &x, 1)
		fmt.Fprintf(out, "futex_wake woke %d\n", n)
		x.Store(7)
		mismatch = sched.FutexWaitStatus(ctx, &x, 5, 0)
		fmt.Fprintf(out, "futex_wait on 7 expecting 5: %v\n", mismatch)
	}, sched.WithName("futex-waker"))
	if err := Wait(ctx, waiter, waker); err != nil {
		return err
	}
	if !woken {
		return fmt.Errorf("futex waiter was not woken by futex_wake")
	}
	if mismatch != sched.FutexMismatch {
		return fmt.Errorf("futex_wait on a changed value returned %v", mismatch)
	}
	return nil
}

func runMutex(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	const iterations = 1000
	var mu ksync.Mutex
	counter := 0
	tasks := make([]*sched.Task, opts.Tasks)
	for i := range tasks {
		tasks[i] = k.Spawn(func(ctx context.Context) {
			for j := 0; j < iterations; j++ {
				mu.Lock(ctx)
				counter++
				mu.Unlock(ctx)
				if j%100 == 0 {
					sched.YieldNow(ctx)
				}
			}
		}, sched.WithName(fmt.Sprintf("incr-%d", i)))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	fmt.Fprintf(out, "counter = %d\n", counter)
	if want := opts.Tasks * iterations; counter != want {
		return fmt.Errorf("counter = %d, want %d", counter, want)
	}
	return nil
}

func runCondvar(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	items := opts.Tasks * 100
	var mu ksync.Mutex
	var cv ksync.Condvar
	var slot []int
	sum := 0
	consumer := k.Spawn(func(ctx context.Context) {
		mu.Lock(ctx)
		defer mu.Unlock(ctx)
		for got := 0; got < items; got++ {
			cv.WaitWhile(ctx, &mu, func() bool { return len(slot) == 0 })
			sum += slot[0]
			slot = slot[1:]
			cv.NotifyOne(ctx)
		}
	}, sched.WithName("consumer"))
	producer := k.Spawn(func(ctx context.Context) {
		for i := 1; i <= items; i++ {
			mu.Lock(ctx)
			cv.WaitWhile(ctx, &mu, func() bool { return len(slot) > 0 })
			slot = append(slot, i)
			mu.Unlock(ctx)
			cv.NotifyOne(ctx)
		}
	}, sched.WithName("producer"))
	if err := Wait(ctx, consumer, producer); err != nil {
		return err
	}
	fmt.Fprintf(out, "consumed %d items, sum %d\n", items, sum)
	if want := items * (items + 1) / 2; sum != want {
		return fmt.Errorf("sum = %d, want %d", sum, want)
	}
	return nil
}

func runBarrier(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	const rounds = 5
	b := ksync.NewBarrier(opts.Tasks)
	var leaders atomic.Int32
	tasks := make([]*sched.Task, opts.Tasks)
	for i := range tasks {
		tasks[i] = k.Spawn(func(ctx context.Context) {
			for r := 0; r < rounds; r++ {
				if b.Wait(ctx) {
					leaders.Add(1)
				}
			}
		}, sched.WithName(fmt.Sprintf("barrier-%d", i)))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rounds, %d leaders\n", rounds, leaders.Load())
	if leaders.Load() != rounds {
		return fmt.Errorf("%d leaders over %d rounds", leaders.Load(), rounds)
	}
	return nil
}

func runSemaphore(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	const permits = 2
	s := ksync.NewSemaphore(permits)
	var inside, peak atomic.Int32
	tasks := make([]*sched.Task, opts.Tasks)
	for i := range tasks {
		tasks[i] = k.Spawn(func(ctx context.Context) {
			s.Acquire(ctx)
			cur := inside.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			SleepWork(2)(ctx)
			inside.Add(-1)
			s.Release()
		}, sched.WithName(fmt.Sprintf("sem-%d", i)))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	fmt.Fprintf(out, "peak holders %d of %d permits\n", peak.Load(), permits)
	if peak.Load() > permits {
		return fmt.Errorf("%d tasks held a %d-permit semaphore", peak.Load(), permits)
	}
	return nil
}

func runRWLock(ctx context.Context, k *sched.Kernel, out io.Writer, opts Options) error {
	const rounds = 200
	var rw ksync.RWMutex
	var readers, writers, peak, clashes atomic.Int32
	table := make(map[int]int)
	tasks := make([]*sched.Task, opts.Tasks)
	for i := range tasks {
		writer := i%4 == 0
		name := fmt.Sprintf("reader-%d", i)
		if writer {
			name = fmt.Sprintf("writer-%d", i)
		}
		tasks[i] = k.Spawn(func(ctx context.Context) {
			for j := 0; j < rounds; j++ {
				if writer {
					rw.Lock(ctx)
					if writers.Add(1) != 1 || readers.Load() != 0 {
						clashes.Add(1)
					}
					table[j%8]++
					writers.Add(-1)
					rw.Unlock(ctx)
				} else {
					rw.RLock(ctx)
					n := readers.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					if writers.Load() != 0 {
						clashes.Add(1)
					}
					_ = table[j%8]
					sched.YieldNow(ctx)
					readers.Add(-1)
					rw.RUnlock()
				}
			}
		}, sched.WithName(name))
	}
	if err := Wait(ctx, tasks...); err != nil {
		return err
	}
	fmt.Fprintf(out, "peak concurrent readers %d\n", peak.Load())
	if n := clashes.Load(); n != 0 {
		return fmt.Errorf("a writer overlapped another holder %d times", n)
	}
	return nil
}

// Prepare returns opts with defaults applied and cfg adjusted for s.
func Prepare(s Scenario, cfg sched.Config, opts Options) (sched.Config, Options) {
	if s.Configure != nil {
		s.Configure(&cfg)
	}
	return cfg, opts.withDefaults()
}
