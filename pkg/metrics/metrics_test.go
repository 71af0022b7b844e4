package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterAndScrape(t *testing.T) {
	m := New()

	m.ExecutionsTotal.WithLabelValues("success", "manual").Inc()
	m.ExecutionsTotal.WithLabelValues("timeout", "api").Add(2)
	m.ConcurrentExecutions.Set(3)
	m.KillSwitchActive.Set(1)
	m.SecurityViolations.WithLabelValues("http").Inc()

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("timeout", "api")); got != 2 {
		t.Fatalf("executions_total{timeout,api} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConcurrentExecutions); got != 3 {
		t.Fatalf("concurrent_executions = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, name := range []string{
		"script_executions_total",
		"security_violations_total",
		"kill_switch_active",
		"concurrent_executions",
		"script_execution_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}
}

func TestFreshRegistryPerInstance(t *testing.T) {
	a := New()
	b := New()
	a.KillSwitchTriggers.Inc()

	if got := testutil.ToFloat64(b.KillSwitchTriggers); got != 0 {
		t.Fatalf("instances share state: %v", got)
	}
}
