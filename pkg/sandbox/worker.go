// Package sandbox is the client side of the out-of-process execution
// worker. The broker never runs tenant code in its own process; everything
// crosses this boundary.
package sandbox

import (
	"context"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// ExecuteRequest is the full job description handed to a worker. The token
// and callback URL let the running script call back into the broker.
type ExecuteRequest struct {
	ExecutionID  string         `json:"execution_id"`
	TenantID     string         `json:"tenant_id"`
	ScriptID     string         `json:"script_id"`
	Source       string         `json:"source"`
	Context      map[string]any `json:"context,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Token        string         `json:"token"`
	CallbackURL  string         `json:"callback_url"`
	TimeoutMS    int            `json:"timeout_ms"`
	MemoryBytes  int64          `json:"memory_bytes"`
}

// Result is the worker's account of a finished execution. Output is the
// JSON encoding of the script's return value.
type Result struct {
	ExecutionID  string                 `json:"execution_id"`
	Success      bool                   `json:"success"`
	Output       string                 `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Usage        contracts.ResourceUsage `json:"usage"`
}

// HealthStatus is the worker's self-report.
type HealthStatus struct {
	Status      string `json:"status"`
	UptimeS     int64  `json:"uptime_s"`
	MemoryBytes int64  `json:"memory_bytes"`
	Version     string `json:"version"`
}

// Worker executes scripts on behalf of the broker. Execute blocks until the
// sandbox finishes or ctx expires; Stop asks for an immediate halt of one
// execution and is safe to call for executions the worker no longer holds.
type Worker interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*Result, error)
	Stop(ctx context.Context, executionID string) error
	Health(ctx context.Context) (*HealthStatus, error)
}
