package contracts

import "time"

// Status is the lifecycle state of an execution attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
	StatusTimeout Status = "timeout"
)

// Terminal reports whether s is a final state. Terminal states are sticky:
// no transition leaves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusKilled, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the from→to edge exists in the execution
// state machine. pending may start running or fail outright; running ends
// in exactly one terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusKilled || to == StatusTimeout
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Trigger records what initiated an execution.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerEvent     Trigger = "event"
	TriggerAPI       Trigger = "api"
)

// Valid reports whether t is a recognised trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerEvent, TriggerAPI:
		return true
	}
	return false
}

// SecurityFlag is a typed annotation describing a policy-relevant
// observation during an execution. Flags are append-only.
type SecurityFlag struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResourceUsage is the sandbox-reported cost of a finished execution.
type ResourceUsage struct {
	MemoryBytes int64 `json:"memory_bytes"`
	CPUMS       int64 `json:"cpu_ms"`
	WallMS      int64 `json:"wall_ms"`
}

// ExecutionLog is the durable record of one execution attempt. One row is
// inserted at pending, updated once to running, and closed by exactly one
// terminal update. Security flags only ever grow.
type ExecutionLog struct {
	ID              string         `json:"id"`
	ScriptID        string         `json:"script_id"`
	TenantID        string         `json:"tenant_id"`
	InvokerID       string         `json:"invoker_id"`
	Trigger         Trigger        `json:"trigger"`
	Context         map[string]any `json:"context,omitempty"`
	Status          Status         `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	PeakMemoryBytes int64          `json:"peak_memory_bytes"`
	CPUTimeMS       int64          `json:"cpu_time_ms"`
	Output          string         `json:"output,omitempty"`
	OutputRef       string         `json:"output_ref,omitempty"` // archive address for oversized output
	ErrorMessage    string         `json:"error_message,omitempty"`
	SecurityFlags   []SecurityFlag `json:"security_flags,omitempty"`
	CallbackCount   int            `json:"callback_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ExecutionStats is the aggregated view over a window of execution logs.
type ExecutionStats struct {
	Window       time.Duration  `json:"window_s"`
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	SuccessRate  float64        `json:"success_rate"`
	P50LatencyMS int64          `json:"p50_latency_ms"`
	P95LatencyMS int64          `json:"p95_latency_ms"`
	P99LatencyMS int64          `json:"p99_latency_ms"`
}
