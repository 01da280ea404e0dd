package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWriter(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "order_id", "o-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["order_id"] != "o-1" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if L() != l {
		t.Fatalf("L should return the configured logger")
	}
}

func TestSetupWriterText(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWriter(&buf, "debug", "text")
	l.Debug("tick", "rider", 2)
	if !strings.Contains(buf.String(), "rider=2") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
