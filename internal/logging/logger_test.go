package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.WithRun("ctx-1").WithStage("triage").Info("stage started", "task_id", "t-1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "handoff.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "stage started" {
		t.Errorf("expected msg 'stage started', got %v", entry["msg"])
	}
	if entry["context_id"] != "ctx-1" || entry["stage"] != "triage" || entry["task_id"] != "t-1" {
		t.Errorf("missing attributes in %v", entry)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("expected warn line, got %s", out)
	}
}

func TestLogger_NilIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("nothing")
	logger.WithStage("review").Error("still nothing")
	if err := logger.Close(); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "Warn", "ERROR"} {
		if !ValidLevel(lvl) {
			t.Errorf("expected %q to be valid", lvl)
		}
	}
	if ValidLevel("verbose") {
		t.Error("expected verbose to be invalid")
	}
}
