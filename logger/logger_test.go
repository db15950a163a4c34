package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warning", LevelWarn},
		{"WARN", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSecretNeverLeaksValue(t *testing.T) {
	f := Secret("api_key", "gsk_live_123")
	if f.Value != "<redacted>" {
		t.Errorf("Secret value = %v, want <redacted>", f.Value)
	}
	if f := Secret("api_key", ""); f.Value != "<unset>" {
		t.Errorf("Secret empty value = %v, want <unset>", f.Value)
	}
}

func TestFieldHelpers(t *testing.T) {
	if f := Duration("elapsed", 1500*time.Millisecond); f.Value != int64(1500) {
		t.Errorf("Duration value = %v, want 1500", f.Value)
	}
	if f := Err(nil); f.Value != "" {
		t.Errorf("Err(nil) value = %v, want empty", f.Value)
	}
	if f := Err(errors.New("boom")); f.Value != "boom" {
		t.Errorf("Err value = %v, want boom", f.Value)
	}
}

func TestConsoleLevelFilterAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleWriter(&buf, LevelInfo, false)

	log.Debug("hidden")
	log.WithFields(String("run", "inv-1")).Info("investigation.started", Int("rounds", 2))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO ] investigation.started run=inv-1 rounds=2") {
		t.Errorf("unexpected console line: %q", out)
	}
}

func TestStructuredWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sentinel.ndjson")
	log, err := NewStructured(StructuredConfig{Path: path, Level: LevelDebug})
	if err != nil {
		t.Fatalf("NewStructured: %v", err)
	}
	log.WithFields(String("component", "engine")).Warn("tool.noop", String("tool", "get_server_metrics"))
	log.Info("second")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not JSON: %q", sc.Text())
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["level"] != "WARN" || lines[0]["msg"] != "tool.noop" || lines[0]["component"] != "engine" {
		t.Errorf("unexpected first entry: %v", lines[0])
	}
}

func TestMultiDispatchesToAll(t *testing.T) {
	var a, b bytes.Buffer
	log := Multi(NewConsoleWriter(&a, LevelInfo, false), NewConsoleWriter(&b, LevelInfo, false))
	log.WithFields(Bool("x", true)).Error("boom")
	if !strings.Contains(a.String(), "boom x=true") || !strings.Contains(b.String(), "boom x=true") {
		t.Errorf("multi logger did not write to both: %q / %q", a.String(), b.String())
	}
}
