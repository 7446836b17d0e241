package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if err != nil {
			t.Errorf("parseLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("parseLevel(loud) should fail")
	}
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuttle.log")
	if err := Init(Options{Level: "debug", File: path}); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { Init(Options{}) })

	Info("pool started", "sources", 2)
	Debug("handle acquired", "source", "primary")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "pool started") || !strings.Contains(out, "sources=2") {
		t.Errorf("log output missing entries:\n%s", out)
	}
	if !strings.Contains(out, "handle acquired") {
		t.Errorf("debug entry missing at debug level:\n%s", out)
	}
}

func TestUninitializedLoggerDiscards(t *testing.T) {
	if err := Init(Options{}); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	// Must not panic or write anywhere.
	Warn("nobody listens", "key", "value")
	Error("still nobody", "err", os.ErrNotExist)
}
