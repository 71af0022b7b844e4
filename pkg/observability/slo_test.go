package observability

import (
	"testing"
	"time"
)

func TestSLOCompliantWithNoObservations(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-validate",
		Operation:   "validate",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status("validate")
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
	if status.ErrorBudgetLeft != 100.0 {
		t.Fatalf("expected full error budget, got %.1f", status.ErrorBudgetLeft)
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-execute",
		Operation:   "execute",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "execute", Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("execute")
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOSuccessRateBreach(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-execute",
		Operation:   "execute",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: "execute", Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "execute", Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("execute")
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
	// 10% errors against a 1% budget burns at 10x.
	if status.BurnRate < 9.9 || status.BurnRate > 10.1 {
		t.Fatalf("expected burn rate near 10, got %.2f", status.BurnRate)
	}
	if status.ErrorBudgetLeft != 0 {
		t.Fatalf("expected exhausted budget, got %.1f", status.ErrorBudgetLeft)
	}
}

func TestSLOLatencyBreach(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-callback",
		Operation:   "callback",
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: 0.9,
		WindowHours: 1,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "callback", Latency: 200 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("callback")
	if status.InCompliance {
		t.Fatal("expected latency breach")
	}
	if status.CurrentP99 != 200 {
		t.Fatalf("expected p99 of 200ms, got %.0f", status.CurrentP99)
	}
}

func TestSLOWindowExpiresOldObservations(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-execute",
		Operation:   "execute",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// Failures two hours ago are outside the one-hour window.
	tracker.Record(SLOObservation{
		Operation: "execute", Latency: 10 * time.Millisecond,
		Success: false, Timestamp: now.Add(-2 * time.Hour),
	})
	tracker.Record(SLOObservation{
		Operation: "execute", Latency: 10 * time.Millisecond,
		Success: true, Timestamp: now.Add(-time.Minute),
	})

	status, _ := tracker.Status("execute")
	if !status.InCompliance {
		t.Fatal("expected compliance once stale failures age out")
	}
	if status.ObservationCount != 1 {
		t.Fatalf("expected 1 windowed observation, got %d", status.ObservationCount)
	}
}

func TestSLOUnknownOperation(t *testing.T) {
	tracker := NewSLOTracker()
	if _, err := tracker.Status("replay"); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}
