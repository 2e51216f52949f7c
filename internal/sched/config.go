package sched

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	CPUs            int    `yaml:"cpus"`             // 1 (by default)
	Policy          string  `yaml:"policy"`           // fifo, rr, cfs, mlfq or sjf
	Placement       string  `yaml:"placement"`        // least-loaded or local
	TickMS          int     `yaml:"tick_ms"`          // 10 (by default)
	SliceTicks      int     `yaml:"slice_ticks"`      // 10 (by default), Round-Robin and MLFQ base slice
	MLFQLevels      int     `yaml:"mlfq_levels"`      // 8 (by default)
	MLFQResetTicks  int     `yaml:"mlfq_reset_ticks"` // 100 (by default), all tasks back to level 0
	Alpha           float64 `yaml:"alpha"`            // 0.5 (by default), SJF estimate smoothing
	DebugAssertions bool    `yaml:"debug_assertions"` // check task placement on every move
	TraceBuffer     int     `yaml:"trace_buffer"`     // 256 (by default)
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"`
}

// DefaultConfig returns the values used when no config file is given.
func DefaultConfig() Config {
	return Config{
		CPUs:           1,
		Policy:         "fifo",
		Placement:      "least-loaded",
		TickMS:         10,
		SliceTicks:     10,
		MLFQLevels:     8,
		MLFQResetTicks: 100,
		Alpha:          0.5,
		TraceBuffer:    256,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads YAML and overrides defaults; empty path or a missing file means
// defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// the longest MLFQ slice is SliceTicks << (levels-1)
const maxMLFQLevels = 16

// sanity clamps
func (c *Config) clamp() {
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.CPUs > MaxCPUs {
		c.CPUs = MaxCPUs
	}
	if c.TickMS <= 0 {
		c.TickMS = 10
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = 10
	}
	if c.MLFQLevels <= 0 {
		c.MLFQLevels = 8
	}
	if c.MLFQLevels > maxMLFQLevels {
		c.MLFQLevels = maxMLFQLevels
	}
	if c.MLFQResetTicks <= 0 {
		c.MLFQResetTicks = 100
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.5
	}
	if c.TraceBuffer <= 0 {
		c.TraceBuffer = 256
	}
}

// Validate reports enum values that cannot be clamped.
func (c Config) Validate() error {
	if _, err := ParsePolicy(c.Policy); err != nil {
		return err
	}
	if _, err := ParsePlacement(c.Placement); err != nil {
		return err
	}
	return nil
}

// TickPeriod is the interval between timer interrupts on each CPU.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}
