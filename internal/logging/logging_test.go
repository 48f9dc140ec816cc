package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithFileFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.jsonl")

	log, closer, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("run created", "run", "r1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := strings.TrimSpace(string(data))

	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	if record["msg"] != "run created" || record["run"] != "r1" {
		t.Errorf("record = %v, want msg/run fields", record)
	}
}

func TestNewWithoutFile(t *testing.T) {
	log, closer, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if log == nil {
		t.Fatal("New() returned nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("noop closer returned %v", err)
	}
}

func TestDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")

	SetDebug(false)
	t.Cleanup(func() { SetDebug(false) })

	log, closer, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hidden")
	SetDebug(true)
	log.Debug("visible")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written while level was Info")
	}
	if !strings.Contains(string(data), "visible") {
		t.Error("debug record missing after SetDebug(true)")
	}
}
