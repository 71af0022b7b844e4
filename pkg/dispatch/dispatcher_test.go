package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/marektomas-cz/script-executor/pkg/admission"
	"github.com/marektomas-cz/script-executor/pkg/archive"
	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/policy"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
	"github.com/marektomas-cz/script-executor/pkg/validator"
	"github.com/marektomas-cz/script-executor/pkg/watchdog"
)

type offSwitch struct{}

func (offSwitch) Active(context.Context) bool { return false }

type fixture struct {
	d       *Dispatcher
	catalog *store.Catalog
	logs    *execlog.Store
	worker  *sandbox.Fake
	slots   *Slots
	cfg     *config.Config
	script  *contracts.Script
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := store.New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, catalog.Init(ctx))

	logs, err := execlog.New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, logs.Init(ctx))

	kv := cache.NewMemory()
	tokens, err := token.New([]byte("0123456789abcdef0123456789abcdef"), kv, nil)
	require.NoError(t, err)

	engine, err := policy.New()
	require.NoError(t, err)

	cfg := config.Default()
	worker := sandbox.NewFake()

	dog := watchdog.New(worker, logs, tokens, nil, time.Second, 10*time.Minute, nil, nil, nil)
	slots := NewSlots(cfg.Execution.MaxConcurrent, nil)

	ctrl := admission.New(kv, offSwitch{}, engine, logs, slots.InFlight, cfg, nil, nil, nil)

	blobs, err := archive.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{catalog: catalog, logs: logs, worker: worker, slots: slots, cfg: cfg}
	f.d = New(Deps{
		Validator: validator.New(cfg.Validator),
		Admission: ctrl,
		Catalog:   catalog,
		Logs:      logs,
		Tokens:    tokens,
		Worker:    worker,
		Archive:   blobs,
		Watchdog:  dog,
		Slots:     slots,
		Config:    cfg,
	})

	require.NoError(t, catalog.CreateTenant(ctx, &contracts.Tenant{
		ID: "tenant-1", Name: "acme", RateLimit: 100, APIQuota: 1000,
		Grants: []string{"database.access", "http.access"}, Active: true,
	}))
	f.script = &contracts.Script{
		ID:       "script-1",
		TenantID: "tenant-1",
		Name:     "totals",
		Source:   "const a = 1; return a + 1;",
		Language: "javascript",
		Active:   true,
		Config:   contracts.ScriptConfig{Capabilities: []string{"database.access"}},
		CreatedBy: "user-1",
		UpdatedBy: "user-1",
	}
	v, err := catalog.CreateScript(ctx, f.script)
	require.NoError(t, err)
	require.NoError(t, catalog.SubmitVersion(ctx, f.script.ID, v.Version))
	require.NoError(t, catalog.ApproveVersion(ctx, f.script.ID, v.Version))
	return f
}

func (f *fixture) execute(t *testing.T, execCtx map[string]any) (*contracts.ExecutionLog, error) {
	t.Helper()
	return f.d.Execute(context.Background(), f.script, execCtx, contracts.TriggerManual,
		contracts.Principal{UserID: "user-1", TenantID: "tenant-1", Roles: []string{"developer"}})
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	f.worker.ExecuteFn = func(_ context.Context, req *sandbox.ExecuteRequest) (*sandbox.Result, error) {
		assert.Equal(t, "const a = 1; return a + 1;", req.Source)
		assert.NotEmpty(t, req.Token)
		assert.Equal(t, f.cfg.Callback.PublicURL, req.CallbackURL)
		return &sandbox.Result{
			ExecutionID: req.ExecutionID,
			Success:     true,
			Output:      "2",
			Usage:       contracts.ResourceUsage{WallMS: 15, MemoryBytes: 1 << 20, CPUMS: 5},
		}, nil
	}

	log, err := f.execute(t, map[string]any{"order_id": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, log.Status)
	assert.Equal(t, "2", log.Output)
	assert.Equal(t, int64(15), log.ExecutionTimeMS)
	assert.Equal(t, "o-1", log.Context["order_id"])

	// Slot was returned.
	cur, _ := f.slots.InFlight()
	assert.Equal(t, 0, cur)
}

func TestExecuteValidationFailureWritesNoLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v, err := f.catalog.UpdateScriptSource(ctx, f.script.ID, "eval('code');", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.catalog.SubmitVersion(ctx, f.script.ID, v.Version))
	require.NoError(t, f.catalog.ApproveVersion(ctx, f.script.ID, v.Version))

	_, err = f.execute(t, nil)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))

	logs, err := f.logs.ListByTenant(ctx, "tenant-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, f.worker.Requests())
}

func TestExecuteDeniedWritesNoLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.d.Execute(ctx, f.script, nil, contracts.TriggerManual,
		contracts.Principal{UserID: "intruder", TenantID: "tenant-2", Roles: []string{"admin"}})
	assert.True(t, contracts.IsKind(err, contracts.KindForbidden))

	logs, err := f.logs.ListByTenant(ctx, "tenant-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestExecuteFiltersContext(t *testing.T) {
	f := newFixture(t)

	log, err := f.execute(t, map[string]any{
		"safe":      "value",
		"__proto__": "polluted",
		"process":   "nope",
		"bad_value": func() {},
	})
	require.NoError(t, err)

	assert.Equal(t, "value", log.Context["safe"])
	assert.NotContains(t, log.Context, "__proto__")
	assert.NotContains(t, log.Context, "bad_value")

	require.Len(t, log.SecurityFlags, 3)
	messages := make([]string, 0, 3)
	for _, flag := range log.SecurityFlags {
		assert.Equal(t, "context", flag.Type)
		messages = append(messages, flag.Message)
	}
	assert.Equal(t, []string{"dropped_key:__proto__", "dropped_key:bad_value", "dropped_key:process"}, messages)

	// The sandbox saw only the filtered map.
	req := f.worker.Requests()[0]
	assert.Equal(t, map[string]any{"safe": "value"}, req.Context)
}

func TestExecuteScriptFailure(t *testing.T) {
	f := newFixture(t)
	f.worker.ExecuteFn = func(_ context.Context, req *sandbox.ExecuteRequest) (*sandbox.Result, error) {
		return &sandbox.Result{ExecutionID: req.ExecutionID, ErrorMessage: "ReferenceError: x is not defined"}, nil
	}

	log, err := f.execute(t, nil)
	assert.True(t, contracts.IsKind(err, contracts.KindExecutionFailed))
	assert.Equal(t, contracts.StatusFailed, log.Status)
	assert.Contains(t, log.ErrorMessage, "ReferenceError")
}

func TestExecuteSandboxUnreachable(t *testing.T) {
	f := newFixture(t)
	f.worker.ExecuteFn = func(context.Context, *sandbox.ExecuteRequest) (*sandbox.Result, error) {
		return nil, contracts.E(contracts.KindSandboxUnreachable, "sandbox did not accept the execution")
	}

	log, err := f.execute(t, nil)
	assert.True(t, contracts.IsKind(err, contracts.KindSandboxUnreachable))
	assert.Equal(t, contracts.StatusFailed, log.Status)

	cur, _ := f.slots.InFlight()
	assert.Equal(t, 0, cur)
}

func TestExecuteOffloadsLargeOutput(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("x", f.cfg.Archive.InlineMaxKB*1024+100)
	f.worker.ExecuteFn = func(_ context.Context, req *sandbox.ExecuteRequest) (*sandbox.Result, error) {
		return &sandbox.Result{ExecutionID: req.ExecutionID, Success: true, Output: big}, nil
	}

	log, err := f.execute(t, nil)
	require.NoError(t, err)
	assert.Len(t, log.Output, f.cfg.Archive.InlineMaxKB*1024)
	assert.True(t, strings.HasPrefix(log.OutputRef, "sha256:"))

	stored, err := f.d.deps.Archive.Get(context.Background(), log.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, big, string(stored))
}

func TestExecuteCapacityExhausted(t *testing.T) {
	f := newFixture(t)
	// Admission passes (its gauge is read before), then the pool is gone.
	for i := 0; i < f.cfg.Execution.MaxConcurrent; i++ {
		_, ok := f.slots.TryAcquire()
		require.True(t, ok)
	}

	_, err := f.execute(t, nil)
	// Either admission or the double-check refuses, both as capacity.
	assert.True(t, contracts.IsKind(err, contracts.KindCapacity))
}

func TestExecuteLosesRaceToWatchdog(t *testing.T) {
	f := newFixture(t)
	f.worker.ExecuteFn = func(ctx context.Context, req *sandbox.ExecuteRequest) (*sandbox.Result, error) {
		// Simulate the watchdog closing the log mid-flight.
		require.NoError(t, f.logs.Complete(context.Background(), req.ExecutionID,
			contracts.StatusTimeout, execlog.Outcome{ErrorMessage: "execution exceeded its time budget"}))
		return &sandbox.Result{ExecutionID: req.ExecutionID, Success: true, Output: `"late"`}, nil
	}

	log, err := f.execute(t, nil)
	assert.True(t, contracts.IsKind(err, contracts.KindTimeout))
	assert.Equal(t, contracts.StatusTimeout, log.Status)
	assert.NotEqual(t, `"late"`, log.Output)
}

func TestExecuteInvalidTrigger(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Execute(context.Background(), f.script, nil, contracts.Trigger("webhook"),
		contracts.Principal{UserID: "user-1", TenantID: "tenant-1", Roles: []string{"admin"}})
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
}

func TestExecuteContextTooLarge(t *testing.T) {
	f := newFixture(t)
	huge := map[string]any{"blob": strings.Repeat("a", f.cfg.Execution.ContextMaxKB*1024+1)}
	_, err := f.execute(t, huge)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
}

func TestSlots(t *testing.T) {
	s := NewSlots(2, nil)

	r1, ok := s.TryAcquire()
	require.True(t, ok)
	_, ok = s.TryAcquire()
	require.True(t, ok)
	_, ok = s.TryAcquire()
	assert.False(t, ok)

	r1()
	r1() // idempotent
	cur, max := s.InFlight()
	assert.Equal(t, 1, cur)
	assert.Equal(t, 2, max)
}

func TestTimeoutAndMemoryBudgets(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, 30*time.Second, f.d.timeoutFor(&contracts.Script{}))
	assert.Equal(t, 5*time.Second, f.d.timeoutFor(&contracts.Script{Config: contracts.ScriptConfig{TimeoutMS: 5000}}))
	// Caps apply.
	assert.Equal(t, 300*time.Second, f.d.timeoutFor(&contracts.Script{Config: contracts.ScriptConfig{TimeoutMS: 900000}}))

	assert.Equal(t, int64(128)<<20, f.d.memoryFor(&contracts.Script{}))
	assert.Equal(t, int64(512)<<20, f.d.memoryFor(&contracts.Script{Config: contracts.ScriptConfig{MemoryBytes: 1 << 40}}))
}

func TestExecuteUnknownTenant(t *testing.T) {
	f := newFixture(t)
	orphan := &contracts.Script{ID: "script-x", TenantID: "ghost", Active: true}
	_, err := f.d.Execute(context.Background(), orphan, nil, contracts.TriggerManual,
		contracts.Principal{UserID: "user-1", TenantID: "ghost"})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindForbidden))
}
