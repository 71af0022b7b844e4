// Package dispatch runs the execution pipeline: validate, admit, record,
// hand to the sandbox, and close the log with exactly one terminal status.
// The dispatcher owns the happy path; the watchdog owns forced endings,
// and the two meet at the log store's compare-and-swap.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/admission"
	"github.com/marektomas-cz/script-executor/pkg/archive"
	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
	"github.com/marektomas-cz/script-executor/pkg/validator"
	"github.com/marektomas-cz/script-executor/pkg/watchdog"
)

// OutcomeRecorder feeds the kill-switch failure window. Implemented by
// pkg/killswitch.
type OutcomeRecorder interface {
	RecordOutcome(success bool)
}

// Deps carries everything the dispatcher needs. All fields are required
// except Outcomes, Metrics, Auditor, and Logger.
type Deps struct {
	Validator *validator.Validator
	Admission *admission.Controller
	Catalog   *store.Catalog
	Logs      *execlog.Store
	Tokens    *token.Broker
	Worker    sandbox.Worker
	Archive   archive.Archive
	Watchdog  *watchdog.Watchdog
	Slots     *Slots
	Outcomes  OutcomeRecorder
	Config    *config.Config
	Metrics   *metrics.Metrics
	Auditor   audit.Logger
	Logger    *slog.Logger
}

// Dispatcher executes scripts end to end.
type Dispatcher struct {
	deps  Deps
	clock func() time.Time
}

func New(deps Deps) *Dispatcher {
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{deps: deps, clock: time.Now}
}

// WithClock replaces the time source for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Execute runs the script's latest approved version and returns the closed
// execution log. A nil error means terminal status success; every other
// ending returns the log (when one was written) plus a classified error.
func (d *Dispatcher) Execute(ctx context.Context, script *contracts.Script, execCtx map[string]any, trigger contracts.Trigger, principal contracts.Principal) (*contracts.ExecutionLog, error) {
	if !trigger.Valid() {
		return nil, contracts.Validation("unknown trigger %q", trigger)
	}

	tenant, err := d.deps.Catalog.GetTenant(ctx, script.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Forbidden("unknown tenant")
		}
		return nil, contracts.Internal(err)
	}
	version, err := d.deps.Catalog.LatestApproved(ctx, script.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Internal(err)
	}

	// Static validation runs before anything is spent or recorded. The
	// result is memoised by checksum, so repeat executions pay nothing.
	if version != nil {
		if res := d.deps.Validator.Validate(version.Source); !res.OK {
			return nil, contracts.Validation("script rejected by static validation (%d findings, score %d)",
				len(res.Issues), res.Score)
		}
	}

	decision, admitErr := d.deps.Admission.Admit(ctx, tenant, script, version, principal)
	if admitErr != nil {
		d.deps.Logger.Error("admission infrastructure failure",
			"script_id", script.ID, "error", admitErr)
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	filtered, dropped := filterContext(execCtx)
	if maxKB := d.deps.Config.Execution.ContextMaxKB; maxKB > 0 {
		if raw, err := json.Marshal(filtered); err == nil && len(raw) > maxKB*1024 {
			return nil, contracts.Validation("execution context exceeds %d KiB", maxKB)
		}
	}

	log := &contracts.ExecutionLog{
		ScriptID:  script.ID,
		TenantID:  script.TenantID,
		InvokerID: principal.UserID,
		Trigger:   trigger,
		Context:   filtered,
	}
	if err := d.deps.Logs.Insert(ctx, log); err != nil {
		return nil, contracts.Internal(err)
	}
	for _, key := range dropped {
		_ = d.deps.Logs.AppendSecurityFlag(ctx, log.ID, contracts.SecurityFlag{
			Type: "context", Message: "dropped_key:" + key,
		})
		if d.deps.Metrics != nil {
			d.deps.Metrics.SecurityViolations.WithLabelValues("context").Inc()
		}
	}

	// Admission already checked capacity, but the gap between the check
	// and this acquire is real under load.
	release, ok := d.deps.Slots.TryAcquire()
	if !ok {
		capErr := contracts.E(contracts.KindCapacity, "all execution slots are busy")
		_ = d.deps.Logs.Complete(ctx, log.ID, contracts.StatusFailed,
			execlog.Outcome{ErrorMessage: capErr.Message})
		return d.reload(ctx, log), capErr
	}

	timeout := d.timeoutFor(script)
	start := d.clock()
	deadline := start.Add(timeout)

	tok, err := d.deps.Tokens.Mint(ctx, log.ID, script.TenantID, timeout)
	if err != nil {
		release()
		_ = d.deps.Logs.Complete(ctx, log.ID, contracts.StatusFailed,
			execlog.Outcome{ErrorMessage: "token mint failed"})
		return d.reload(ctx, log), contracts.Internal(err)
	}

	if err := d.deps.Logs.MarkRunning(ctx, log.ID, start); err != nil {
		release()
		_ = d.deps.Tokens.Revoke(ctx, log.ID)
		return d.reload(ctx, log), contracts.Internal(err)
	}

	// The run context outlives the caller: a dropped API connection must
	// not abort a recorded execution. The watchdog holds cancel.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	// The worker deadline sits past the watchdog's so timeouts are decided
	// and recorded by the watchdog, not by a transport error.
	workCtx, cancelWork := context.WithDeadline(runCtx, deadline.Add(5*time.Second))
	defer cancelWork()

	memLimit := d.memoryFor(script)
	entry := d.deps.Watchdog.Register(watchdog.Registration{
		ExecutionID:   log.ID,
		TenantID:      script.TenantID,
		Trigger:       trigger,
		Deadline:      deadline,
		MemoryLimit:   memLimit,
		CallbackLimit: d.deps.Config.Callback.MaxPerExecution,
		Cancel:        cancel,
		Release:       release,
	})

	result, execErr := d.deps.Worker.Execute(workCtx, &sandbox.ExecuteRequest{
		ExecutionID:  log.ID,
		TenantID:     script.TenantID,
		ScriptID:     script.ID,
		Source:       version.Source,
		Context:      filtered,
		Capabilities: script.Config.Capabilities,
		Token:        tok,
		CallbackURL:  d.deps.Config.Callback.PublicURL,
		TimeoutMS:    int(timeout / time.Millisecond),
		MemoryBytes:  memLimit,
	})

	status, outcome, finalErr := d.settle(result, execErr)
	if outcome.Usage.WallMS == 0 {
		outcome.Usage.WallMS = d.clock().Sub(start).Milliseconds()
	}
	if result != nil {
		entry.ObserveMemory(result.Usage.MemoryBytes)
	}
	if status == contracts.StatusSuccess {
		outcome = d.offload(ctx, outcome)
	}

	wonRace := true
	if err := d.deps.Logs.Complete(ctx, log.ID, status, outcome); err != nil {
		wonRace = false
		if !errors.Is(err, execlog.ErrAlreadyTerminal) {
			d.deps.Logger.Error("terminal write failed", "execution_id", log.ID, "error", err)
		}
	}

	_ = d.deps.Tokens.Revoke(ctx, log.ID)
	d.deps.Watchdog.Unregister(log.ID)
	release()
	cancel()

	final := d.reload(ctx, log)
	if !wonRace {
		// The watchdog or kill-switch closed the log; its status is the
		// truth and carries the error kind.
		finalErr = classify(final.Status, final.ErrorMessage)
	}

	if wonRace && d.deps.Metrics != nil {
		d.deps.Metrics.ExecutionsTotal.WithLabelValues(string(final.Status), string(trigger)).Inc()
		d.deps.Metrics.ExecutionDuration.WithLabelValues(string(final.Status)).
			Observe(float64(outcome.Usage.WallMS) / 1000)
	}
	if d.deps.Outcomes != nil {
		d.deps.Outcomes.RecordOutcome(final.Status == contracts.StatusSuccess)
	}
	_ = d.deps.Auditor.Record(ctx, script.TenantID, principal.UserID, audit.EventExecution, "execute", log.ID,
		map[string]any{"script_id": script.ID, "status": string(final.Status), "trigger": string(trigger)})

	return final, finalErr
}

// settle maps the worker's reply onto a terminal status.
func (d *Dispatcher) settle(result *sandbox.Result, execErr error) (contracts.Status, execlog.Outcome, error) {
	switch {
	case execErr != nil:
		kind := contracts.KindOf(execErr)
		return contracts.StatusForKind(kind),
			execlog.Outcome{ErrorMessage: execErr.Error()},
			execErr
	case !result.Success:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "script reported failure"
		}
		return contracts.StatusFailed,
			execlog.Outcome{ErrorMessage: msg, Usage: result.Usage},
			contracts.E(contracts.KindExecutionFailed, "%s", msg)
	default:
		return contracts.StatusSuccess,
			execlog.Outcome{Output: result.Output, Usage: result.Usage},
			nil
	}
}

// offload moves an oversized output to the archive, keeping an inline
// prefix plus the content address on the log row.
func (d *Dispatcher) offload(ctx context.Context, outcome execlog.Outcome) execlog.Outcome {
	inlineMax := d.deps.Config.Archive.InlineMaxKB * 1024
	if inlineMax <= 0 {
		inlineMax = 64 * 1024
	}
	if len(outcome.Output) <= inlineMax || d.deps.Archive == nil {
		return outcome
	}
	addr, err := d.deps.Archive.Store(ctx, []byte(outcome.Output))
	if err != nil {
		// Keep the full output inline rather than lose it.
		d.deps.Logger.Error("output archive failed", "error", err)
		return outcome
	}
	outcome.OutputRef = addr
	outcome.Output = outcome.Output[:inlineMax]
	return outcome
}

func classify(status contracts.Status, msg string) error {
	if msg == "" {
		msg = string(status)
	}
	switch status {
	case contracts.StatusSuccess:
		return nil
	case contracts.StatusTimeout:
		return contracts.E(contracts.KindTimeout, "%s", msg)
	case contracts.StatusKilled:
		return contracts.E(contracts.KindKilled, "%s", msg)
	default:
		return contracts.E(contracts.KindExecutionFailed, "%s", msg)
	}
}

func (d *Dispatcher) reload(ctx context.Context, log *contracts.ExecutionLog) *contracts.ExecutionLog {
	final, err := d.deps.Logs.Get(ctx, log.ID)
	if err != nil {
		d.deps.Logger.Error("reload of execution log failed", "execution_id", log.ID, "error", err)
		return log
	}
	return final
}

// timeoutFor resolves the script's wall budget against broker caps.
func (d *Dispatcher) timeoutFor(script *contracts.Script) time.Duration {
	ms := script.Config.TimeoutMS
	if ms <= 0 {
		ms = d.deps.Config.Execution.TimeoutS * 1000
	}
	if maxMS := d.deps.Config.Execution.MaxTimeoutS * 1000; maxMS > 0 && ms > maxMS {
		ms = maxMS
	}
	return time.Duration(ms) * time.Millisecond
}

// memoryFor resolves the script's memory budget against broker caps.
func (d *Dispatcher) memoryFor(script *contracts.Script) int64 {
	b := script.Config.MemoryBytes
	if b <= 0 {
		b = int64(d.deps.Config.Execution.MemoryMB) << 20
	}
	if maxB := int64(d.deps.Config.Execution.MaxMemoryMB) << 20; maxB > 0 && b > maxB {
		b = maxB
	}
	return b
}

// InFlight exposes the slot gauge for admission wiring.
func (d *Dispatcher) InFlight() (int, int) { return d.deps.Slots.InFlight() }
