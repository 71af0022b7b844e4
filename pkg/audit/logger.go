// Package audit records security-relevant events as JSON lines. The broker
// audits execution lifecycle transitions, admission denials, secret access,
// token issuance, and kill-switch activity. Secret plaintext never reaches
// this package: callers pass metadata, not values.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventExecution  EventType = "EXECUTION"
	EventAdmission  EventType = "ADMISSION"
	EventSecret     EventType = "SECRET"
	EventToken      EventType = "TOKEN"
	EventKillSwitch EventType = "KILL_SWITCH"
	EventCallback   EventType = "CALLBACK"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for concurrent
// use.
type Logger interface {
	Record(ctx context.Context, tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error
}

// logger writes JSON lines prefixed "AUDIT: " for easy filtering.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]any) error {
	if tenantID == "" {
		tenantID = "system"
	}
	if actorID == "" {
		actorID = "system"
	}

	event := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop is a Logger that discards everything; tests use it to silence
// components they are not asserting on.
type Nop struct{}

func (Nop) Record(context.Context, string, string, EventType, string, string, map[string]any) error {
	return nil
}
