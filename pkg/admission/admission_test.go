package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

type fakeSwitch bool

func (f fakeSwitch) Active(context.Context) bool { return bool(f) }

type allowAll struct{}

func (allowAll) AllowExecute(context.Context, contracts.Principal, *contracts.Script) (bool, string) {
	return true, ""
}

type denyAll struct{}

func (denyAll) AllowExecute(context.Context, contracts.Principal, *contracts.Script) (bool, string) {
	return false, "principal may not execute this script"
}

type usageFn func(ctx context.Context, tenantID string, since time.Time) (int, error)

func (f usageFn) CountForTenantSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	return f(ctx, tenantID, since)
}

func noUsage(context.Context, string, time.Time) (int, error) { return 0, nil }

type fixture struct {
	kv      *cache.Memory
	ctrl    *Controller
	tenant  *contracts.Tenant
	script  *contracts.Script
	version *contracts.ScriptVersion
	now     time.Time
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		now: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		tenant: &contracts.Tenant{
			ID:        "tenant-1",
			RateLimit: 3,
			APIQuota:  5,
			Grants:    []string{"database.access", "http.access"},
			Active:    true,
		},
		script: &contracts.Script{
			ID:       "script-1",
			TenantID: "tenant-1",
			Active:   true,
		},
		version: &contracts.ScriptVersion{Version: 2, ApprovalStatus: contracts.ApprovalApproved},
	}
	f.kv = cache.NewMemory().WithClock(func() time.Time { return f.now })

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{PerMinute: 60},
		Quota:     config.QuotaConfig{PerMonth: 10000},
	}
	f.ctrl = New(f.kv, fakeSwitch(false), allowAll{}, usageFn(noUsage),
		func() (int, int) { return 0, 10 }, cfg, nil, nil, nil).
		WithClock(func() time.Time { return f.now })

	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *fixture) admit(t *testing.T) *Decision {
	t.Helper()
	d, err := f.ctrl.Admit(context.Background(), f.tenant, f.script, f.version, contracts.Principal{
		UserID: "user-1", TenantID: "tenant-1", Roles: []string{"developer"},
	})
	require.NoError(t, err)
	return d
}

func TestAdmitHappyPath(t *testing.T) {
	f := newFixture(t)
	d := f.admit(t)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
}

func TestKillSwitchCheckedFirst(t *testing.T) {
	f := newFixture(t)
	f.ctrl.killSwitch = fakeSwitch(true)
	f.tenant.Active = false // would also deny, but the switch wins

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindKillSwitch, d.Kind)
}

func TestLivenessChecks(t *testing.T) {
	deleted := time.Now()
	tests := []struct {
		name   string
		mutate func(*fixture)
		reason string
	}{
		{"suspended tenant", func(f *fixture) { f.tenant.Active = false }, "tenant is suspended"},
		{"inactive script", func(f *fixture) { f.script.Active = false }, "script is inactive"},
		{"deleted script", func(f *fixture) { f.script.DeletedAt = &deleted }, "script is inactive"},
		{"no approved version", func(f *fixture) { f.version = nil }, "script has no approved version"},
		{"pending version", func(f *fixture) { f.version.ApprovalStatus = contracts.ApprovalPending }, "version 2 is pending, not approved"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.mutate(f)
			d := f.admit(t)
			assert.False(t, d.Allowed)
			assert.Equal(t, contracts.KindForbidden, d.Kind)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.True(t, f.admit(t).Allowed, "request %d within limit", i+1)
	}

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindRateLimited, d.Kind)
	assert.Equal(t, 60, d.RetryAfterSec)

	// The denied request must not consume budget.
	raw, err := f.kv.Get(context.Background(), rateKey("tenant-1", f.now.Unix()/60))
	require.NoError(t, err)
	assert.Equal(t, "3", raw)
}

func TestRateLimitSlidesOverPreviousMinute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Previous minute was saturated; thirty seconds in, half of it still
	// weighs on the estimate.
	require.NoError(t, f.kv.Set(ctx, rateKey("tenant-1", f.now.Unix()/60-1), "3", time.Minute))
	f.now = f.now.Add(30 * time.Second)

	require.True(t, f.admit(t).Allowed) // estimate 1 + 1.5 = 2.5

	d := f.admit(t) // estimate 2 + 1.5 = 3.5 > 3
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindRateLimited, d.Kind)
}

func TestQuotaReconciledFromHistory(t *testing.T) {
	f := newFixture(t)
	f.ctrl.usage = usageFn(func(_ context.Context, tenantID string, since time.Time) (int, error) {
		assert.Equal(t, "tenant-1", tenantID)
		assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), since)
		return 4, nil
	})

	// 4 historic + this one = 5, exactly at the quota.
	require.True(t, f.admit(t).Allowed)

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindQuotaExceeded, d.Kind)
	assert.Greater(t, d.RetryAfterSec, 0)

	// Denial rolled back both the quota and the rate increment.
	raw, err := f.kv.Get(context.Background(), quotaKey("tenant-1", f.now))
	require.NoError(t, err)
	assert.Equal(t, "5", raw)
	raw, err = f.kv.Get(context.Background(), rateKey("tenant-1", f.now.Unix()/60))
	require.NoError(t, err)
	assert.Equal(t, "1", raw)
}

func TestConcurrencyCapacity(t *testing.T) {
	f := newFixture(t)
	f.ctrl.inFlight = func() (int, int) { return 10, 10 }

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindCapacity, d.Kind)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.ctrl.permissions = denyAll{}

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindForbidden, d.Kind)
}

func TestUngrantedCapability(t *testing.T) {
	f := newFixture(t)
	f.script.Config.Capabilities = []string{"database.access", "secrets.read"}

	d := f.admit(t)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindForbidden, d.Kind)
	assert.Contains(t, d.Reason, "secrets.read")
}

func TestDefaultsApplyWhenTenantLimitsUnset(t *testing.T) {
	f := newFixture(t)
	f.tenant.RateLimit = 0
	f.tenant.APIQuota = 0

	// Default rate of 60/min admits far more than the tenant's own 3.
	for i := 0; i < 10; i++ {
		require.True(t, f.admit(t).Allowed)
	}
}

type brokenKV struct {
	cache.KV
}

func (brokenKV) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestCacheFailureDeniesClosed(t *testing.T) {
	f := newFixture(t)
	f.ctrl.kv = brokenKV{f.kv}

	d, err := f.ctrl.Admit(context.Background(), f.tenant, f.script, f.version,
		contracts.Principal{UserID: "user-1", TenantID: "tenant-1", Roles: []string{"admin"}})
	assert.Error(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.KindInternal, d.Kind)
}

func TestDecisionErrMapping(t *testing.T) {
	d := &Decision{Kind: contracts.KindRateLimited, Reason: "rate limit of 3/min exceeded", RetryAfterSec: 42}
	err := d.Err()
	assert.True(t, contracts.IsKind(err, contracts.KindRateLimited))
	var ce *contracts.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 42, ce.RetryAfterSec)
}
