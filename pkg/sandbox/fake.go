package sandbox

import (
	"context"
	"sync"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// Fake is an in-memory Worker for tests. Every call is recorded; behaviour
// is overridden per test through the Fn hooks.
type Fake struct {
	mu       sync.Mutex
	requests []*ExecuteRequest
	stopped  []string

	ExecuteFn func(ctx context.Context, req *ExecuteRequest) (*Result, error)
	StopFn    func(ctx context.Context, executionID string) error
	HealthFn  func(ctx context.Context) (*HealthStatus, error)
}

// NewFake returns a worker that succeeds instantly with a null result.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Execute(ctx context.Context, req *ExecuteRequest) (*Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.ExecuteFn != nil {
		return f.ExecuteFn(ctx, req)
	}
	return &Result{
		ExecutionID: req.ExecutionID,
		Success:     true,
		Output:      "null",
		Usage:       contracts.ResourceUsage{WallMS: 1},
	}, nil
}

func (f *Fake) Stop(ctx context.Context, executionID string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, executionID)
	f.mu.Unlock()

	if f.StopFn != nil {
		return f.StopFn(ctx, executionID)
	}
	return nil
}

func (f *Fake) Health(ctx context.Context) (*HealthStatus, error) {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return &HealthStatus{Status: "ok", Version: "1.0.0"}, nil
}

// Requests returns a copy of every ExecuteRequest seen so far.
func (f *Fake) Requests() []*ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ExecuteRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Stopped returns the execution ids Stop was called with.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}
