package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept", "dedupe_key", "1700/sent-transcript")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode log line failed: %v", err)
	}
	if record["msg"] != "kept" || record["dedupe_key"] != "1700/sent-transcript" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewTextIsDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	if !strings.Contains(buf.String(), "msg=shown") || strings.Contains(buf.String(), "hidden") {
		t.Fatalf("unexpected text output %q", buf.String())
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, "trace", "text"); !errors.Is(err, ErrInvalidLogLevel) {
		t.Fatalf("expected ErrInvalidLogLevel, got %v", err)
	}
	if _, err := New(&buf, "info", "xml"); !errors.Is(err, ErrInvalidLogFormat) {
		t.Fatalf("expected ErrInvalidLogFormat, got %v", err)
	}
}
