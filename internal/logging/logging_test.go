package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("cpu online", "cpu", 0)

	output := buf.String()
	if !strings.Contains(output, "cpu online") {
		t.Errorf("expected 'cpu online' in output, got: %s", output)
	}
	if !strings.Contains(output, "cpu=0") {
		t.Errorf("expected 'cpu=0' in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("task exit", "task", "worker-1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"task exit"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"task":"worker-1"`) {
		t.Errorf("expected JSON task field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Debug("task block")
	logger.Warn("unpark of unknown task")

	output := buf.String()
	if strings.Contains(output, "task block") {
		t.Errorf("DEBUG message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "unpark of unknown task") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerWithWriter_AutoFormatOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "auto", &buf)

	logger.Info("scheduler started", "cpus", 2)

	if !strings.Contains(buf.String(), `"cpus":2`) {
		t.Errorf("auto format should fall back to JSON off a terminal, got: %s", buf.String())
	}
	if IsTerminal(&buf) {
		t.Error("a buffer is not a terminal")
	}
}
