package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordWritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), "tenant-1", "user-1", EventSecret, "rotate", "secret:db.password", map[string]any{
		"rotation_count": 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	line := buf.String()
	if !strings.HasPrefix(line, "AUDIT: ") {
		t.Fatalf("missing AUDIT prefix: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("missing trailing newline")
	}

	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev.TenantID != "tenant-1" || ev.ActorID != "user-1" {
		t.Fatalf("identity not recorded: %+v", ev)
	}
	if ev.Type != EventSecret || ev.Action != "rotate" {
		t.Fatalf("event fields wrong: %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatal("id and timestamp must be populated")
	}
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	if err := l.Record(context.Background(), "", "", EventKillSwitch, "activate", "kill-switch", nil); err != nil {
		t.Fatal(err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TenantID != "system" || ev.ActorID != "system" {
		t.Fatalf("expected system defaults, got %+v", ev)
	}
}
