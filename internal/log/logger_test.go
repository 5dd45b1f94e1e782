package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetupWriterHonoursLevel(t *testing.T) {
	logger = nil
	once = *new(sync.Once)
	t.Cleanup(func() {
		logger = nil
		once = *new(sync.Once)
	})

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Info("dropped")
	Warn("kept")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v (%q)", err, buf.String())
	}
	if out["msg"] != "kept" {
		t.Errorf("Expected only the warn line, got %v", out["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	prev := logger
	logger = l
	t.Cleanup(func() { logger = prev })

	cases := []struct {
		name  string
		make  func() *slog.Logger
		key   string
		value string
	}{
		{"component", func() *slog.Logger { return WithComponent("dispatch") }, "component", "dispatch"},
		{"domain", func() *slog.Logger { return WithDomain("git") }, "domain", "git"},
		{"process", func() *slog.Logger { return WithProcess("abc-123") }, "process_id", "abc-123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			tc.make().Info("hello")

			var out map[string]any
			if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
				t.Fatalf("Failed to decode JSON: %v", err)
			}
			if out[tc.key] != tc.value {
				t.Errorf("Expected %s %q, got %v", tc.key, tc.value, out[tc.key])
			}
			if out["msg"] != "hello" {
				t.Errorf("Expected msg 'hello', got %v", out["msg"])
			}
		})
	}
}
