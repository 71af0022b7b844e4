// Package watchdog enforces per-execution budgets while scripts run. Every
// dispatched execution registers here; a ticker sweeps the registry and
// terminates anything past its wall-clock deadline, over its memory limit,
// or past its callback budget. The same sweep samples the host and feeds
// the kill-switch evaluator.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/killswitch"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/token"
)

// stopDeadline bounds the best-effort Stop call to the sandbox during
// termination; the CAS terminal write must not wait on a hung worker.
const stopDeadline = 2 * time.Second

// Evaluator receives one host sample per sweep. Implemented by
// pkg/killswitch.
type Evaluator interface {
	Evaluate(ctx context.Context, sample killswitch.Sample)
}

// Registration describes one execution entering supervision.
type Registration struct {
	ExecutionID   string
	TenantID      string
	Trigger       contracts.Trigger
	Deadline      time.Time
	MemoryLimit   int64
	CallbackLimit int

	// Cancel aborts the execution's context, unwinding any in-flight
	// callback handlers. Release frees the dispatcher's concurrency slot;
	// the dispatcher guards it with sync.Once.
	Cancel  context.CancelFunc
	Release func()
}

// Entry is a supervised execution. The callback counter and peak-memory
// watermark are updated lock-free by the callback broker.
type Entry struct {
	Registration
	Started time.Time

	callbacks  atomic.Int64
	peakMemory atomic.Int64
	terminated sync.Once
}

// AddCallback bumps the callback counter and returns the new total.
func (e *Entry) AddCallback() int64 { return e.callbacks.Add(1) }

// Callbacks returns the callbacks observed so far.
func (e *Entry) Callbacks() int64 { return e.callbacks.Load() }

// ObserveMemory raises the peak-memory watermark, never lowers it.
func (e *Entry) ObserveMemory(bytes int64) {
	for {
		cur := e.peakMemory.Load()
		if bytes <= cur || e.peakMemory.CompareAndSwap(cur, bytes) {
			return
		}
	}
}

// PeakMemory returns the highest memory observation.
func (e *Entry) PeakMemory() int64 { return e.peakMemory.Load() }

// Watchdog supervises running executions.
type Watchdog struct {
	worker    sandbox.Worker
	logs      *execlog.Store
	tokens    *token.Broker
	evaluator Evaluator

	interval         time.Duration
	longRunningAfter time.Duration
	sampleHost       func(ctx context.Context) (memPct, cpuPct float64, err error)

	metrics *metrics.Metrics
	auditor audit.Logger
	logger  *slog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// New wires a watchdog. longRunningAfter is how old a running execution
// must be before it counts against the kill-switch long-running threshold.
func New(
	worker sandbox.Worker,
	logs *execlog.Store,
	tokens *token.Broker,
	evaluator Evaluator,
	interval, longRunningAfter time.Duration,
	m *metrics.Metrics,
	auditor audit.Logger,
	logger *slog.Logger,
) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		worker:           worker,
		logs:             logs,
		tokens:           tokens,
		evaluator:        evaluator,
		interval:         interval,
		longRunningAfter: longRunningAfter,
		sampleHost:       hostSample,
		metrics:          m,
		auditor:          auditor,
		logger:           logger,
		clock:            time.Now,
		entries:          make(map[string]*Entry),
	}
}

// WithClock replaces the time source for tests.
func (w *Watchdog) WithClock(clock func() time.Time) *Watchdog {
	w.clock = clock
	return w
}

// WithHostSampler replaces the gopsutil sampler for tests.
func (w *Watchdog) WithHostSampler(f func(ctx context.Context) (float64, float64, error)) *Watchdog {
	w.sampleHost = f
	return w
}

// Register puts an execution under supervision.
func (w *Watchdog) Register(reg Registration) *Entry {
	e := &Entry{Registration: reg, Started: w.clock()}
	w.mu.Lock()
	w.entries[reg.ExecutionID] = e
	w.mu.Unlock()
	return e
}

// Unregister removes an execution, normally on clean completion.
func (w *Watchdog) Unregister(executionID string) {
	w.mu.Lock()
	delete(w.entries, executionID)
	w.mu.Unlock()
}

// Get returns the supervised entry, if any. The callback broker uses it to
// attribute counters.
func (w *Watchdog) Get(executionID string) (*Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[executionID]
	return e, ok
}

// Count returns the number of supervised executions.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one supervision pass. Exported so tests and the CLI can drive
// it without the ticker.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := w.clock()

	w.mu.Lock()
	snapshot := make([]*Entry, 0, len(w.entries))
	for _, e := range w.entries {
		snapshot = append(snapshot, e)
	}
	w.mu.Unlock()

	longRunning := 0
	for _, e := range snapshot {
		if w.longRunningAfter > 0 && now.Sub(e.Started) > w.longRunningAfter {
			longRunning++
		}
		switch {
		case !e.Deadline.IsZero() && now.After(e.Deadline):
			w.Terminate(ctx, e.ExecutionID, contracts.KindTimeout,
				"execution exceeded its time budget")
		case e.MemoryLimit > 0 && e.PeakMemory() > e.MemoryLimit:
			w.Terminate(ctx, e.ExecutionID, contracts.KindMemory,
				fmt.Sprintf("execution exceeded its memory limit of %d bytes", e.MemoryLimit))
		case e.CallbackLimit > 0 && e.Callbacks() > int64(e.CallbackLimit):
			w.Terminate(ctx, e.ExecutionID, contracts.KindExcessiveCalls,
				fmt.Sprintf("execution exceeded %d callbacks", e.CallbackLimit))
		}
	}

	if w.evaluator != nil {
		memPct, cpuPct, err := w.sampleHost(ctx)
		if err != nil {
			w.logger.Warn("host sample failed", "error", err)
		}
		w.evaluator.Evaluate(ctx, killswitch.Sample{
			MemoryPercent: memPct,
			CPUPercent:    cpuPct,
			Concurrent:    len(snapshot),
			LongRunning:   longRunning,
		})
	}
}

// Terminate force-closes one execution. Safe to call from multiple
// goroutines and after the execution already ended: the per-entry Once and
// the store's terminal CAS make it idempotent.
func (w *Watchdog) Terminate(ctx context.Context, executionID string, kind contracts.Kind, reason string) {
	entry, ok := w.Get(executionID)
	if !ok {
		return
	}
	entry.terminated.Do(func() {
		// Detached context: a cancelled caller must not skip cleanup.
		stopCtx, cancel := context.WithTimeout(context.Background(), stopDeadline)
		if err := w.worker.Stop(stopCtx, executionID); err != nil {
			w.logger.Warn("sandbox stop failed during termination",
				"execution_id", executionID, "error", err)
		}
		cancel()

		status := contracts.StatusForKind(kind)
		err := w.logs.Complete(ctx, executionID, status, execlog.Outcome{
			ErrorMessage: reason,
			Usage:        contracts.ResourceUsage{MemoryBytes: entry.PeakMemory()},
		})
		switch {
		case err == nil:
			if w.metrics != nil {
				w.metrics.ExecutionsTotal.WithLabelValues(string(status), string(entry.Trigger)).Inc()
				w.metrics.ExecutionDuration.WithLabelValues(string(status)).
					Observe(w.clock().Sub(entry.Started).Seconds())
			}
		case errors.Is(err, execlog.ErrAlreadyTerminal):
			// Lost the race to the dispatcher's own terminal write.
		default:
			w.logger.Error("terminal write failed during termination",
				"execution_id", executionID, "error", err)
		}

		if err := w.tokens.Revoke(ctx, executionID); err != nil {
			w.logger.Warn("token revoke failed during termination",
				"execution_id", executionID, "error", err)
		}
		if entry.Release != nil {
			entry.Release()
		}
		if entry.Cancel != nil {
			entry.Cancel()
		}
		w.Unregister(executionID)

		w.logger.Warn("execution terminated",
			"execution_id", executionID, "kind", string(kind), "reason", reason)
		_ = w.auditor.Record(ctx, entry.TenantID, "", audit.EventExecution, "terminate", executionID,
			map[string]any{"kind": string(kind), "reason": reason})
	})
}

// TerminateAll force-closes every supervised execution. The kill-switch
// calls this on activation.
func (w *Watchdog) TerminateAll(ctx context.Context, reason string) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Terminate(ctx, id, contracts.KindKillSwitch, reason)
	}
}
