package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
)

type fakeTerminator struct {
	calls   atomic.Int32
	lastMsg atomic.Value
}

func (f *fakeTerminator) TerminateAll(_ context.Context, reason string) {
	f.calls.Add(1)
	f.lastMsg.Store(reason)
}

func testConfig() config.KillSwitchConfig {
	return config.KillSwitchConfig{
		MemoryPct:    80,
		CPUPct:       85,
		Concurrent:   50,
		LongRunningS: 600,
		FailureRate:  0.5,
		ErrorPerMin:  100,
		CooldownS:    300,
	}
}

type fixture struct {
	sw   *Switch
	kv   *cache.Memory
	term *fakeTerminator
	now  time.Time
}

func newFixture(t *testing.T, cfg config.KillSwitchConfig) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1700000000, 0), term: &fakeTerminator{}}
	f.kv = cache.NewMemory().WithClock(func() time.Time { return f.now })
	f.sw = New(f.kv, cfg, nil, nil, nil).WithClock(func() time.Time { return f.now })
	f.sw.SetTerminator(f.term)
	return f
}

func TestInactiveByDefault(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.False(t, f.sw.Active(context.Background()))
}

func TestEvaluateTripsOnMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	f.sw.Evaluate(ctx, Sample{MemoryPercent: 75})
	assert.False(t, f.sw.Active(ctx))

	f.sw.Evaluate(ctx, Sample{MemoryPercent: 82})
	assert.True(t, f.sw.Active(ctx))
	assert.Equal(t, int32(1), f.term.calls.Load())
}

func TestNoRetriggerWithinCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	f.sw.Evaluate(ctx, Sample{CPUPercent: 99})
	f.sw.Evaluate(ctx, Sample{CPUPercent: 99})
	require.NoError(t, f.sw.Activate(ctx, "manual"))

	assert.Equal(t, int32(1), f.term.calls.Load())
}

func TestCooldownExpiryRearms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	f.sw.Evaluate(ctx, Sample{CPUPercent: 99})
	assert.True(t, f.sw.Active(ctx))

	f.now = f.now.Add(301 * time.Second)
	assert.False(t, f.sw.Active(ctx))

	f.sw.Evaluate(ctx, Sample{CPUPercent: 99})
	assert.Equal(t, int32(2), f.term.calls.Load())
}

func TestConcurrencyAndLongRunningThresholds(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig())
	f.sw.Evaluate(ctx, Sample{Concurrent: 50})
	assert.True(t, f.sw.Active(ctx))

	f = newFixture(t, testConfig())
	f.sw.Evaluate(ctx, Sample{LongRunning: 1})
	assert.True(t, f.sw.Active(ctx))
}

func TestFailureRateNeedsEnoughSamples(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	// 4 failures out of 5 is above the rate but below the sample floor.
	for i := 0; i < 4; i++ {
		f.sw.RecordOutcome(false)
	}
	f.sw.RecordOutcome(true)
	f.sw.Evaluate(ctx, Sample{})
	assert.False(t, f.sw.Active(ctx))

	// 6 failures / 10 outcomes trips the 50% threshold.
	for i := 0; i < 2; i++ {
		f.sw.RecordOutcome(false)
	}
	for i := 0; i < 3; i++ {
		f.sw.RecordOutcome(true)
	}
	f.sw.Evaluate(ctx, Sample{})
	assert.True(t, f.sw.Active(ctx))
	if msg, ok := f.term.lastMsg.Load().(string); ok {
		assert.Contains(t, msg, "failure rate")
	}
}

func TestFailureWindowForgetsOldMinutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	for i := 0; i < 10; i++ {
		f.sw.RecordOutcome(false)
	}
	f.now = f.now.Add(6 * time.Minute)
	f.sw.Evaluate(ctx, Sample{})
	assert.False(t, f.sw.Active(ctx))
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	require.NoError(t, f.sw.Activate(ctx, "operator drill"))
	assert.True(t, f.sw.Active(ctx))

	require.NoError(t, f.sw.Deactivate(ctx, "operator-1"))
	assert.False(t, f.sw.Active(ctx))
}

type downKV struct{ cache.KV }

func (downKV) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestActiveFailsClosedWithoutMirror(t *testing.T) {
	sw := New(downKV{cache.NewMemory()}, testConfig(), nil, nil, nil)
	assert.True(t, sw.Active(context.Background()))
}

func TestActiveFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	// Establish a mirror while the cache is healthy, then lose the cache.
	require.False(t, f.sw.Active(ctx))
	f.sw.kv = downKV{f.kv}
	assert.False(t, f.sw.Active(ctx))
}

func TestAlertWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.AlertURL = srv.URL
	f := newFixture(t, cfg)

	require.NoError(t, f.sw.Activate(context.Background(), "too hot"))
	assert.Equal(t, "kill_switch_activated", got["event"])
	assert.Equal(t, "too hot", got["reason"])
}
