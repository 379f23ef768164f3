package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONWithPlatformField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relayd.log")

	logger, err := New(Options{Path: path, Platform: "social", Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if entry["platform"] != "social" {
		t.Errorf("platform = %v, want social", entry["platform"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts key")
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
}
