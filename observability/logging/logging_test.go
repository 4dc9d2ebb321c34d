package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := SetupWithOptions(Options{Service: "did-movement", Env: "test", Level: "warn", Output: &buf})
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "address", "0x1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"message":  "kept",
		"severity": "WARN",
		"service":  "did-movement",
		"env":      "test",
		"address":  "0x1",
	} {
		if entry[key] != want {
			t.Fatalf("%s: got %v want %s", key, entry[key], want)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp key")
	}
}

func TestSetupWithOptionsRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "service.log")
	logger, closer := SetupWithOptions(Options{Service: "did-movement", File: path, Output: &buf})
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Fatalf("file sink missing line: %s", data)
	}
	if !strings.Contains(buf.String(), `"message":"to file"`) {
		t.Fatalf("primary sink missing line")
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("private_key", "abcd").Value.String(); got != RedactedValue {
		t.Fatalf("expected private_key to be masked, got %s", got)
	}
	if got := MaskField("address", "0x1").Value.String(); got != "0x1" {
		t.Fatalf("expected address to pass through, got %s", got)
	}
	if MaskBytes(nil) != "" || MaskBytes([]byte{1}) != RedactedValue {
		t.Fatalf("unexpected MaskBytes behaviour")
	}
	if ParseLevel("DEBUG").String() != "DEBUG" || ParseLevel("bogus").String() != "INFO" {
		t.Fatalf("unexpected level parsing")
	}
}
