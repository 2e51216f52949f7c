package sched

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yml")} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q) error: %v", path, err)
		}
		if cfg != DefaultConfig() {
			t.Errorf("Load(%q) = %+v, want defaults", path, cfg)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
cpus: 4
policy: sjf
alpha: 0.25
placement: local
tick_ms: 5
slice_ticks: 3
debug_assertions: true
log_level: debug
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CPUs != 4 || cfg.Policy != "sjf" || cfg.Placement != "local" {
		t.Errorf("cpus/policy/placement = %d/%s/%s", cfg.CPUs, cfg.Policy, cfg.Placement)
	}
	if cfg.TickPeriod() != 5*time.Millisecond {
		t.Errorf("TickPeriod() = %v, want 5ms", cfg.TickPeriod())
	}
	if cfg.SliceTicks != 3 || !cfg.DebugAssertions {
		t.Errorf("slice_ticks/debug_assertions = %d/%v", cfg.SliceTicks, cfg.DebugAssertions)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Alpha != 0.25 {
		t.Errorf("alpha = %v, want 0.25", cfg.Alpha)
	}
	// untouched keys keep their defaults
	if cfg.TraceBuffer != 256 {
		t.Errorf("trace_buffer = %d, want 256", cfg.TraceBuffer)
	}
}

func TestLoadClamps(t *testing.T) {
	path := writeConfig(t, "cpus: 1000\ntick_ms: -1\nslice_ticks: 0\nmlfq_levels: 99\nmlfq_reset_ticks: -3\nalpha: 1.5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CPUs != MaxCPUs {
		t.Errorf("cpus = %d, want %d", cfg.CPUs, MaxCPUs)
	}
	if cfg.TickMS != 10 || cfg.SliceTicks != 10 {
		t.Errorf("tick_ms/slice_ticks = %d/%d, want 10/10", cfg.TickMS, cfg.SliceTicks)
	}
	if cfg.MLFQLevels != maxMLFQLevels || cfg.MLFQResetTicks != 100 {
		t.Errorf("mlfq_levels/mlfq_reset_ticks = %d/%d, want %d/100", cfg.MLFQLevels, cfg.MLFQResetTicks, maxMLFQLevels)
	}
	if cfg.Alpha != 0.5 {
		t.Errorf("alpha = %v, want 0.5", cfg.Alpha)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"bad policy", "policy: lottery\n", "scheduling policy"},
		{"bad placement", "placement: random\n", "placement policy"},
		{"malformed", "cpus: [1, 2\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = "edf"
	if _, err := New(cfg, nil, nil); err == nil {
		t.Errorf("New() with unknown policy succeeded")
	}
}
