// Package events fans out script-emitted events. The broker validates and
// authorizes an event, then hands it to a Sink; deliveries are best-effort
// and never block or fail the emitting execution.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event is one tenant-scoped emission.
type Event struct {
	Name        string          `json:"name"`
	TenantID    string          `json:"tenant_id"`
	ExecutionID string          `json:"execution_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at"`
}

// Sink receives authorized events.
type Sink interface {
	Dispatch(ctx context.Context, e Event) error
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event)

// Registry is the in-process sink: subscribers by exact name or by
// namespace wildcard ("order.*").
type Registry struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	pattern string
	handler Handler
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[int]subscription)}
}

// Subscribe registers a handler and returns its remover.
func (r *Registry) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = subscription{pattern: pattern, handler: h}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Dispatch delivers to every matching subscriber, synchronously and in
// registration order is not guaranteed.
func (r *Registry) Dispatch(ctx context.Context, e Event) error {
	r.mu.RLock()
	matched := make([]Handler, 0, len(r.subs))
	for _, s := range r.subs {
		if matches(s.pattern, e.Name) {
			matched = append(matched, s.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		h(ctx, e)
	}
	return nil
}

func matches(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return false
}
