package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogEventStructure(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogEvent("warn", "degraded decrypt", map[string]any{
		"user_id": "u1",
		"field":   "name",
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "degraded decrypt" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["user_id"] != "u1" || entry["field"] != "name" {
		t.Fatalf("fields not merged: %v", entry)
	}
	if entry["ts"] == nil {
		t.Fatalf("missing timestamp: %v", entry)
	}
}

func TestLogEventReservedKeys(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	// Extra fields must not override the standard keys.
	LogEvent("info", "real message", map[string]any{"msg": "spoofed", "level": "error"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "real message" || entry["level"] != "info" {
		t.Fatalf("reserved keys overridden: %v", entry)
	}
}
