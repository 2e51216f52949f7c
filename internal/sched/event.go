// internal/sched/event.go

package sched

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventSpawn EventKind = iota
	EventDispatch
	EventYield
	EventPreempt
	EventBlock
	EventSleep
	EventWake
	EventExit
	EventTick
	EventIPI
)

// Event is emitted on every key scheduling action.
type Event struct {
	Time   time.Duration // platform time since boot
	Kind   EventKind
	CPU    int
	TaskID TaskID
	Ticks  uint64 // ticks charged to the task so far
}

func (ek EventKind) String() string {
	switch ek {
	case EventSpawn:
		return "Spawn"
	case EventDispatch:
		return "Dispatch"
	case EventYield:
		return "Yield"
	case EventPreempt:
		return "Preempt"
	case EventBlock:
		return "Block"
	case EventSleep:
		return "Sleep"
	case EventWake:
		return "Wake"
	case EventExit:
		return "Exit"
	case EventTick:
		return "Tick"
	case EventIPI:
		return "IPI"
	default:
		return "Unknown"
	}
}

// Tracer streams kernel events to a console writer and, optionally, a CSV
// file. Kernel code never blocks on it: when the buffer is full the event is
// dropped and counted.
type Tracer struct {
	mu      sync.RWMutex // excludes emit against Close
	closed  bool
	ch      chan Event
	dropped atomic.Uint64

	out       io.Writer
	showTicks bool

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// NewTracer creates a tracer printing to out (nil for no console output).
func NewTracer(out io.Writer, buffer int) *Tracer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Tracer{
		ch:  make(chan Event, buffer),
		out: out,
	}
}

// ShowTicks makes the console output include Tick events.
func (tr *Tracer) ShowTicks(show bool) { tr.showTicks = show }

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (tr *Tracer) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace csv: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"time_ns", "cpu", "event", "task_id", "ticks"}); err != nil {
		f.Close()
		return fmt.Errorf("write trace csv header: %w", err)
	}
	w.Flush()
	tr.csvFile = f
	tr.csvWriter = w
	return nil
}

// Events exposes the read-only stream for consumers other than Run.
func (tr *Tracer) Events() <-chan Event { return tr.ch }

// Dropped returns how many events were lost to a full buffer.
func (tr *Tracer) Dropped() uint64 { return tr.dropped.Load() }

func (tr *Tracer) emit(ev Event) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.closed {
		return
	}
	select {
	case tr.ch <- ev:
	default:
		tr.dropped.Add(1)
	}
}

// Run consumes events until Close is called or ctx is cancelled.
func (tr *Tracer) Run(ctx context.Context) error {
	defer func() {
		if tr.csvFile != nil {
			tr.csvWriter.Flush()
			tr.csvFile.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-tr.ch:
			if !ok {
				return nil
			}
			if err := tr.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

// Close stops the stream; Run returns once the buffer is drained.
func (tr *Tracer) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		tr.closed = true
		close(tr.ch)
	}
}

func (tr *Tracer) handleEvent(ev Event) error {
	// CSV output
	if tr.csvWriter != nil {
		rec := []string{
			strconv.FormatInt(int64(ev.Time), 10),
			strconv.Itoa(ev.CPU),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.FormatUint(ev.Ticks, 10),
		}
		if err := tr.csvWriter.Write(rec); err != nil {
			return fmt.Errorf("write trace csv: %w", err)
		}
		tr.csvWriter.Flush()
	}

	// ticks are periodic, so they stay out of the console unless asked for
	if tr.out == nil || (ev.Kind == EventTick && !tr.showTicks) {
		return nil
	}

	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := int(float64(width-len(str)) / 2)
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
	}

	_, err := fmt.Fprintf(tr.out, "%12s = CPU %02d [%s] => Task: %04d, ticks: %04d\n",
		ev.Time.Round(time.Microsecond),
		ev.CPU,
		center(ev.Kind.String(), 10),
		ev.TaskID,
		ev.Ticks,
	)
	return err
}
