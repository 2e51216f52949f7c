package sched

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTracerRecordsLifecycle(t *testing.T) {
	k, _ := newTestKernel(t, fifoConfig(1))
	tr := NewTracer(nil, 1024)
	k.SetTracer(tr)

	var tasks []*Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, k.Spawn(func(ctx context.Context) { YieldNow(ctx) }))
	}
	k.Start()
	waitDone(t, tasks...)
	k.SetTracer(nil)
	tr.Close()

	counts := map[EventKind]int{}
	for ev := range tr.Events() {
		counts[ev.Kind]++
	}
	if counts[EventSpawn] != 3 || counts[EventExit] != 3 || counts[EventYield] != 3 {
		t.Errorf("spawn/yield/exit = %d/%d/%d, want 3/3/3", counts[EventSpawn], counts[EventYield], counts[EventExit])
	}
	if counts[EventDispatch] < 6 {
		t.Errorf("dispatch = %d, want >= 6", counts[EventDispatch])
	}
	if tr.Dropped() != 0 {
		t.Errorf("dropped = %d", tr.Dropped())
	}
}

func TestTracerDropsWhenFull(t *testing.T) {
	tr := NewTracer(nil, 1)
	tr.emit(Event{Kind: EventSpawn})
	tr.emit(Event{Kind: EventExit})
	if tr.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", tr.Dropped())
	}
	tr.Close()
	tr.emit(Event{Kind: EventExit})
	if tr.Dropped() != 1 {
		t.Errorf("emit after Close counted as dropped")
	}
}

func TestTracerRunWritesConsoleAndCSV(t *testing.T) {
	var out bytes.Buffer
	tr := NewTracer(&out, 8)
	path := filepath.Join(t.TempDir(), "trace.csv")
	if err := tr.EnableCSVLogging(path); err != nil {
		t.Fatalf("EnableCSVLogging() error: %v", err)
	}

	tr.emit(Event{Time: time.Millisecond, Kind: EventDispatch, CPU: 1, TaskID: 7, Ticks: 2})
	tr.emit(Event{Time: 2 * time.Millisecond, Kind: EventTick, CPU: 1, TaskID: 7, Ticks: 3})
	tr.Close()
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	console := out.String()
	if !strings.Contains(console, "Dispatch") || !strings.Contains(console, "Task: 0007") {
		t.Errorf("console output = %q", console)
	}
	if strings.Contains(console, "Tick") {
		t.Errorf("tick shown without ShowTicks: %q", console)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv has %d records, want header + 2", len(records))
	}
	if records[0][0] != "time_ns" || records[2][2] != "Tick" {
		t.Errorf("csv records = %v", records)
	}
}
