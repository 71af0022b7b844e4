package execlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenLite(filepath.Join(t.TempDir(), "execlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func insertPending(t *testing.T, s *Store) *contracts.ExecutionLog {
	t.Helper()
	log := &contracts.ExecutionLog{
		ScriptID:  "script-1",
		TenantID:  "tenant-1",
		InvokerID: "user-1",
		Trigger:   contracts.TriggerManual,
		Context:   map[string]any{"k": "v"},
	}
	require.NoError(t, s.Insert(context.Background(), log))
	return log
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkRunning(ctx, log.ID, started))

	require.NoError(t, s.Complete(ctx, log.ID, contracts.StatusSuccess, Outcome{
		Output: `"ok"`,
		Usage:  contracts.ResourceUsage{MemoryBytes: 1 << 20, CPUMS: 12, WallMS: 40},
	}))

	got, err := s.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, got.Status)
	assert.Equal(t, `"ok"`, got.Output)
	assert.Equal(t, int64(40), got.ExecutionTimeMS)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, "v", got.Context["k"])
}

func TestTerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	require.NoError(t, s.MarkRunning(ctx, log.ID, time.Now()))
	require.NoError(t, s.Complete(ctx, log.ID, contracts.StatusTimeout, Outcome{ErrorMessage: "deadline exceeded"}))

	// Whoever loses the race sees ErrAlreadyTerminal and must not retry.
	err := s.Complete(ctx, log.ID, contracts.StatusSuccess, Outcome{Output: "late"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := s.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusTimeout, got.Status)
	assert.Equal(t, "deadline exceeded", got.ErrorMessage)

	// Nor can the record go back to running.
	assert.ErrorIs(t, s.MarkRunning(ctx, log.ID, time.Now()), ErrAlreadyTerminal)
}

func TestPendingCanFailDirectly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	require.NoError(t, s.Complete(ctx, log.ID, contracts.StatusFailed, Outcome{ErrorMessage: "dispatch error"}))

	got, err := s.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Zero(t, got.ExecutionTimeMS)
}

func TestCompleteRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	log := insertPending(t, s)
	err := s.Complete(context.Background(), log.ID, contracts.StatusRunning, Outcome{})
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestSecurityFlagsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	require.NoError(t, s.AppendSecurityFlag(ctx, log.ID, contracts.SecurityFlag{Type: "http", Message: "private_address"}))
	require.NoError(t, s.AppendSecurityFlag(ctx, log.ID, contracts.SecurityFlag{Type: "context", Message: "dropped_key:this"}))

	got, err := s.Get(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, got.SecurityFlags, 2)
	assert.Equal(t, "http", got.SecurityFlags[0].Type)
	assert.Equal(t, "context", got.SecurityFlags[1].Type)
}

func TestIncrCallbacks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrCallbacks(ctx, log.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	_, err := s.IncrCallbacks(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendOutput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := insertPending(t, s)

	require.NoError(t, s.AppendOutput(ctx, log.ID, "[info] first\n"))
	require.NoError(t, s.AppendOutput(ctx, log.ID, "[warn] second\n"))

	got, err := s.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, "[info] first\n[warn] second\n", got.Output)
}

func TestCountRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := insertPending(t, s)
	b := insertPending(t, s)
	insertPending(t, s)

	require.NoError(t, s.MarkRunning(ctx, a.ID, time.Now()))
	require.NoError(t, s.MarkRunning(ctx, b.ID, time.Now()))

	n, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunningOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := insertPending(t, s)
	fresh := insertPending(t, s)
	require.NoError(t, s.MarkRunning(ctx, old.ID, time.Now().Add(-15*time.Minute)))
	require.NoError(t, s.MarkRunning(ctx, fresh.ID, time.Now()))

	stale, err := s.RunningOlderThan(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestStatsAggregation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	outcomes := []struct {
		status contracts.Status
		wallMS int64
	}{
		{contracts.StatusSuccess, 100},
		{contracts.StatusSuccess, 200},
		{contracts.StatusSuccess, 300},
		{contracts.StatusFailed, 400},
	}
	for _, o := range outcomes {
		log := insertPending(t, s)
		require.NoError(t, s.MarkRunning(ctx, log.ID, time.Now()))
		require.NoError(t, s.Complete(ctx, log.ID, o.status, Outcome{Usage: contracts.ResourceUsage{WallMS: o.wallMS}}))
	}

	kv := cache.NewMemory()
	stats, err := s.Stats(ctx, kv, "tenant-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.Equal(t, int64(200), stats.P50LatencyMS)
	assert.Equal(t, int64(400), stats.P95LatencyMS)

	// Second call is served from cache even if rows change underneath.
	more := insertPending(t, s)
	require.NoError(t, s.Complete(ctx, more.ID, contracts.StatusFailed, Outcome{}))
	again, err := s.Stats(ctx, kv, "tenant-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Total)
}

func TestPercentile(t *testing.T) {
	values := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, int64(50), percentile(values, 50))
	assert.Equal(t, int64(100), percentile(values, 99))
	assert.Equal(t, int64(0), percentile(nil, 50))
}
