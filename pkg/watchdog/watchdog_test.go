package watchdog

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/killswitch"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
)

type evalRecorder struct {
	mu      sync.Mutex
	samples []killswitch.Sample
}

func (r *evalRecorder) Evaluate(_ context.Context, s killswitch.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *evalRecorder) last(t *testing.T) killswitch.Sample {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.samples)
	return r.samples[len(r.samples)-1]
}

type fixture struct {
	wd     *Watchdog
	logs   *execlog.Store
	worker *sandbox.Fake
	tokens *token.Broker
	eval   *evalRecorder
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenLite(filepath.Join(t.TempDir(), "wd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logs, err := execlog.New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, logs.Init(context.Background()))

	tokens, err := token.New([]byte("0123456789abcdef0123456789abcdef"), cache.NewMemory(), nil)
	require.NoError(t, err)

	f := &fixture{
		logs:   logs,
		worker: sandbox.NewFake(),
		tokens: tokens,
		eval:   &evalRecorder{},
		now:    time.Unix(1700000000, 0),
	}
	f.wd = New(f.worker, logs, tokens, f.eval, time.Second, 10*time.Minute, nil, nil, nil).
		WithClock(func() time.Time { return f.now }).
		WithHostSampler(func(context.Context) (float64, float64, error) { return 42.5, 13.0, nil })
	return f
}

// running inserts a running log row and returns its id.
func (f *fixture) running(t *testing.T) string {
	t.Helper()
	log := &contracts.ExecutionLog{
		ScriptID: "script-1", TenantID: "tenant-1", InvokerID: "user-1",
		Trigger: contracts.TriggerManual,
	}
	require.NoError(t, f.logs.Insert(context.Background(), log))
	require.NoError(t, f.logs.MarkRunning(context.Background(), log.ID, f.now))
	return log.ID
}

func TestSweepTerminatesExpiredDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)

	tok, err := f.tokens.Mint(ctx, id, "tenant-1", time.Minute)
	require.NoError(t, err)

	var released atomic.Int32
	var cancelled atomic.Bool
	f.wd.Register(Registration{
		ExecutionID: id,
		TenantID:    "tenant-1",
		Trigger:     contracts.TriggerManual,
		Deadline:    f.now.Add(-time.Second),
		Cancel:      func() { cancelled.Store(true) },
		Release:     func() { released.Add(1) },
	})

	f.wd.Sweep(ctx)

	got, err := f.logs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusTimeout, got.Status)
	assert.Contains(t, got.ErrorMessage, "time budget")

	assert.Equal(t, []string{id}, f.worker.Stopped())
	assert.Equal(t, int32(1), released.Load())
	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, f.wd.Count())

	_, err = f.tokens.Verify(ctx, tok, id)
	assert.ErrorIs(t, err, token.ErrRevoked)
}

func TestTerminateIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)

	var released atomic.Int32
	f.wd.Register(Registration{
		ExecutionID: id,
		Trigger:     contracts.TriggerManual,
		Deadline:    f.now.Add(time.Hour),
		Release:     func() { released.Add(1) },
	})

	f.wd.Terminate(ctx, id, contracts.KindKilled, "operator stop")
	f.wd.Terminate(ctx, id, contracts.KindKilled, "operator stop")

	assert.Equal(t, int32(1), released.Load())
	got, err := f.logs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusKilled, got.Status)
}

func TestMemoryBreach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)

	e := f.wd.Register(Registration{
		ExecutionID: id,
		Trigger:     contracts.TriggerManual,
		Deadline:    f.now.Add(time.Hour),
		MemoryLimit: 100,
	})
	e.ObserveMemory(50)
	e.ObserveMemory(200)
	e.ObserveMemory(150) // watermark never drops
	assert.Equal(t, int64(200), e.PeakMemory())

	f.wd.Sweep(ctx)

	got, err := f.logs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusKilled, got.Status)
	assert.Contains(t, got.ErrorMessage, "memory limit")
	assert.Equal(t, int64(200), got.PeakMemoryBytes)
}

func TestCallbackBudgetBreach(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)

	e := f.wd.Register(Registration{
		ExecutionID:   id,
		Trigger:       contracts.TriggerManual,
		Deadline:      f.now.Add(time.Hour),
		CallbackLimit: 2,
	})
	for i := 0; i < 3; i++ {
		e.AddCallback()
	}

	f.wd.Sweep(ctx)

	got, err := f.logs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusKilled, got.Status)
	assert.Contains(t, got.ErrorMessage, "callbacks")
}

func TestTerminateAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.running(t)
	b := f.running(t)
	f.wd.Register(Registration{ExecutionID: a, Trigger: contracts.TriggerManual, Deadline: f.now.Add(time.Hour)})
	f.wd.Register(Registration{ExecutionID: b, Trigger: contracts.TriggerAPI, Deadline: f.now.Add(time.Hour)})

	f.wd.TerminateAll(ctx, "kill switch: drill")

	for _, id := range []string{a, b} {
		got, err := f.logs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusKilled, got.Status)
	}
	assert.Equal(t, 0, f.wd.Count())
}

func TestTerminateLosesRaceGracefully(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)

	var released atomic.Int32
	f.wd.Register(Registration{
		ExecutionID: id,
		Trigger:     contracts.TriggerManual,
		Release:     func() { released.Add(1) },
	})

	// Dispatcher closed the log first.
	require.NoError(t, f.logs.Complete(ctx, id, contracts.StatusSuccess, execlog.Outcome{Output: `"done"`}))

	f.wd.Terminate(ctx, id, contracts.KindTimeout, "late")

	got, err := f.logs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, got.Status)
	// Cleanup still ran.
	assert.Equal(t, int32(1), released.Load())
}

func TestSweepFeedsEvaluator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)
	f.wd.Register(Registration{ExecutionID: id, Trigger: contracts.TriggerManual, Deadline: f.now.Add(time.Hour)})

	f.wd.Sweep(ctx)

	s := f.eval.last(t)
	assert.Equal(t, 42.5, s.MemoryPercent)
	assert.Equal(t, 13.0, s.CPUPercent)
	assert.Equal(t, 1, s.Concurrent)
	assert.Equal(t, 0, s.LongRunning)
}

func TestLongRunningCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.running(t)
	f.wd.Register(Registration{ExecutionID: id, Trigger: contracts.TriggerManual, Deadline: f.now.Add(time.Hour)})

	f.now = f.now.Add(11 * time.Minute)
	f.wd.Sweep(ctx)

	assert.Equal(t, 1, f.eval.last(t).LongRunning)
}
