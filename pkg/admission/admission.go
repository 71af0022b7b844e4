// Package admission decides whether an execution request may proceed. The
// checks run in a fixed order, cheapest and most global first, and the
// first failure wins. Counter increments made along the way are rolled
// back when a later check denies, so a refused request costs the tenant
// nothing.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
)

// Switch reports whether the global kill-switch is engaged. Implemented by
// pkg/killswitch; a fake suffices in tests.
type Switch interface {
	Active(ctx context.Context) bool
}

// PermissionChecker answers the execute-permission question. Implemented
// by pkg/policy.
type PermissionChecker interface {
	AllowExecute(ctx context.Context, principal contracts.Principal, script *contracts.Script) (bool, string)
}

// UsageCounter reconciles the monthly quota counter against durable
// history when the cache key is cold. Implemented by pkg/execlog.
type UsageCounter interface {
	CountForTenantSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// Decision is the outcome of one admission pass. Kind and RetryAfterSec
// are only meaningful when Allowed is false.
type Decision struct {
	Allowed       bool
	Reason        string
	Kind          contracts.Kind
	RetryAfterSec int
}

// Err converts a denial into the classified error the API and dispatcher
// surface. Allowed decisions convert to nil.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &contracts.Error{Kind: d.Kind, Message: d.Reason, RetryAfterSec: d.RetryAfterSec}
}

// Controller runs the admission checks.
type Controller struct {
	kv          cache.KV
	killSwitch  Switch
	permissions PermissionChecker
	usage       UsageCounter
	inFlight    func() (current, max int)

	rateDefault  int
	quotaDefault int

	metrics *metrics.Metrics
	auditor audit.Logger
	logger  *slog.Logger
	clock   func() time.Time
}

// New wires a controller. inFlight is the dispatcher's slot gauge.
func New(
	kv cache.KV,
	killSwitch Switch,
	permissions PermissionChecker,
	usage UsageCounter,
	inFlight func() (int, int),
	cfg *config.Config,
	m *metrics.Metrics,
	auditor audit.Logger,
	logger *slog.Logger,
) *Controller {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		kv:           kv,
		killSwitch:   killSwitch,
		permissions:  permissions,
		usage:        usage,
		inFlight:     inFlight,
		rateDefault:  cfg.RateLimit.PerMinute,
		quotaDefault: cfg.Quota.PerMonth,
		metrics:      m,
		auditor:      auditor,
		logger:       logger,
		clock:        time.Now,
	}
}

// WithClock replaces the time source for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Admit runs the ordered checks. Denials come back as a Decision with a
// nil error; a non-nil error means admission infrastructure failed and the
// request was denied closed.
func (c *Controller) Admit(ctx context.Context, tenant *contracts.Tenant, script *contracts.Script, version *contracts.ScriptVersion, principal contracts.Principal) (*Decision, error) {
	var rollback []string
	deny := func(kind contracts.Kind, retryAfter int, reason string) *Decision {
		for _, key := range rollback {
			if _, err := c.kv.Decr(ctx, key); err != nil {
				c.logger.Warn("admission counter rollback failed", "key", key, "error", err)
			}
		}
		if c.metrics != nil {
			c.metrics.AdmissionDenials.WithLabelValues(string(kind)).Inc()
		}
		_ = c.auditor.Record(ctx, tenant.ID, principal.UserID, audit.EventAdmission, "deny", script.ID,
			map[string]any{"kind": string(kind), "reason": reason})
		return &Decision{Reason: reason, Kind: kind, RetryAfterSec: retryAfter}
	}
	denyInternal := func(err error) (*Decision, error) {
		return deny(contracts.KindInternal, 0, "admission check failed"), err
	}

	// 1. Global kill-switch.
	if c.killSwitch != nil && c.killSwitch.Active(ctx) {
		return deny(contracts.KindKillSwitch, 0, "kill switch is active"), nil
	}

	// 2. Tenant, script, and version must all be live.
	switch {
	case !tenant.Active:
		return deny(contracts.KindForbidden, 0, "tenant is suspended"), nil
	case script.DeletedAt != nil || !script.Active:
		return deny(contracts.KindForbidden, 0, "script is inactive"), nil
	case version == nil:
		return deny(contracts.KindForbidden, 0, "script has no approved version"), nil
	case version.ApprovalStatus != contracts.ApprovalApproved:
		return deny(contracts.KindForbidden, 0, fmt.Sprintf("version %d is %s, not approved", version.Version, version.ApprovalStatus)), nil
	}

	// 3. Per-tenant rate, sliding over the current and previous minute.
	now := c.clock().UTC()
	limit := tenant.RateLimit
	if limit <= 0 {
		limit = c.rateDefault
	}
	minute := now.Unix() / 60
	currentKey := rateKey(tenant.ID, minute)
	current, err := c.kv.IncrWithTTL(ctx, currentKey, 2*time.Minute)
	if err != nil {
		return denyInternal(fmt.Errorf("admission: rate counter: %w", err))
	}
	rollback = append(rollback, currentKey)

	previous := int64(0)
	if raw, err := c.kv.Get(ctx, rateKey(tenant.ID, minute-1)); err == nil {
		previous, _ = strconv.ParseInt(raw, 10, 64)
	} else if err != cache.ErrNotFound {
		return denyInternal(fmt.Errorf("admission: rate window: %w", err))
	}

	elapsed := float64(now.Unix()%60) / 60
	if estimate := float64(current) + float64(previous)*(1-elapsed); estimate > float64(limit) {
		retry := 60 - int(now.Unix()%60)
		return deny(contracts.KindRateLimited, retry, fmt.Sprintf("rate limit of %d/min exceeded", limit)), nil
	}

	// 4. Monthly quota, UTC calendar months. A cold counter is reconciled
	// from the execution log so cache loss never resets a tenant's budget.
	quota := tenant.APIQuota
	if quota <= 0 {
		quota = c.quotaDefault
	}
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	quotaKey := quotaKey(tenant.ID, now)

	used, err := c.kv.IncrWithTTL(ctx, quotaKey, monthEnd.Sub(now)+time.Hour)
	if err != nil {
		return denyInternal(fmt.Errorf("admission: quota counter: %w", err))
	}
	rollback = append(rollback, quotaKey)
	if used == 1 && c.usage != nil {
		historic, err := c.usage.CountForTenantSince(ctx, tenant.ID, monthStart)
		if err != nil {
			return denyInternal(fmt.Errorf("admission: quota reconcile: %w", err))
		}
		if historic > 0 {
			used = int64(historic) + 1
			if err := c.kv.Set(ctx, quotaKey, strconv.FormatInt(used, 10), monthEnd.Sub(now)+time.Hour); err != nil {
				return denyInternal(fmt.Errorf("admission: quota reconcile write: %w", err))
			}
		}
	}
	if used > int64(quota) {
		retry := int(monthEnd.Sub(now).Seconds())
		return deny(contracts.KindQuotaExceeded, retry, fmt.Sprintf("monthly quota of %d exhausted", quota)), nil
	}

	// 5. Broker-wide concurrency.
	if c.inFlight != nil {
		if current, max := c.inFlight(); current >= max {
			return deny(contracts.KindCapacity, 1, "all execution slots are busy"), nil
		}
	}

	// 6. Invoker permission.
	if allowed, reason := c.permissions.AllowExecute(ctx, principal, script); !allowed {
		return deny(contracts.KindForbidden, 0, reason), nil
	}

	// 7. Requested capabilities must be covered by the tenant's grants.
	for _, capability := range script.Config.Capabilities {
		if !tenant.HasGrant(capability) {
			return deny(contracts.KindForbidden, 0, fmt.Sprintf("capability %q not granted to tenant", capability)), nil
		}
	}

	return &Decision{Allowed: true}, nil
}

func rateKey(tenantID string, minute int64) string {
	return fmt.Sprintf("rate:%s:%d", tenantID, minute)
}

func quotaKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, now.UTC().Format("2006-01"))
}
