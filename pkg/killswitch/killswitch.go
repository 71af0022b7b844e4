// Package killswitch is the global circuit breaker. When host pressure or
// failure rates cross the configured thresholds, every running execution
// is terminated and admission refuses new work until the cooldown passes
// or an operator steps in.
//
// State lives in the KV so all broker instances trip together; each
// instance also mirrors the last observed state in memory and falls back
// to it, closed, when the cache is unreachable.
package killswitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
)

const stateKey = "killswitch:active"

// ringMinutes is the failure-rate observation window.
const ringMinutes = 5

// Terminator aborts every running execution. Implemented by pkg/watchdog;
// wired after construction because the watchdog needs the switch first.
type Terminator interface {
	TerminateAll(ctx context.Context, reason string)
}

// Sample is one host observation, produced by the watchdog each tick.
type Sample struct {
	MemoryPercent float64
	CPUPercent    float64
	Concurrent    int
	LongRunning   int
}

type bucket struct {
	minute  int64
	success int64
	failure int64
}

// Switch evaluates samples against thresholds and holds the shared state.
type Switch struct {
	kv      cache.KV
	cfg     config.KillSwitchConfig
	metrics *metrics.Metrics
	auditor audit.Logger
	logger  *slog.Logger
	client  *http.Client
	clock   func() time.Time

	mu          sync.Mutex
	terminator  Terminator
	mirror      bool
	mirrorValid bool
	ring        [ringMinutes]bucket
}

// New builds a switch. The terminator is attached later via SetTerminator.
func New(kv cache.KV, cfg config.KillSwitchConfig, m *metrics.Metrics, auditor audit.Logger, logger *slog.Logger) *Switch {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		kv:      kv,
		cfg:     cfg,
		metrics: m,
		auditor: auditor,
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		clock:   time.Now,
	}
}

// SetTerminator attaches the component that aborts running executions.
func (s *Switch) SetTerminator(t Terminator) {
	s.mu.Lock()
	s.terminator = t
	s.mu.Unlock()
}

// WithClock replaces the time source for tests.
func (s *Switch) WithClock(clock func() time.Time) *Switch {
	s.clock = clock
	return s
}

// Active reports whether the switch is engaged. The KV is authoritative;
// on cache failure the last mirrored state answers, and with no mirror at
// all the switch reads as active. Refusing work is always the safe error.
func (s *Switch) Active(ctx context.Context) bool {
	_, err := s.kv.Get(ctx, stateKey)
	switch {
	case err == nil:
		s.setMirror(true)
		return true
	case errors.Is(err, cache.ErrNotFound):
		s.setMirror(false)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mirrorValid {
		s.logger.Error("kill-switch state unreadable and no mirror, failing closed", "error", err)
		return true
	}
	return s.mirror
}

func (s *Switch) setMirror(active bool) {
	s.mu.Lock()
	s.mirror = active
	s.mirrorValid = true
	s.mu.Unlock()
	if s.metrics != nil {
		v := 0.0
		if active {
			v = 1
		}
		s.metrics.KillSwitchActive.Set(v)
	}
}

// RecordOutcome feeds the rolling failure-rate window. The dispatcher calls
// it once per terminal execution.
func (s *Switch) RecordOutcome(success bool) {
	minute := s.clock().Unix() / 60
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &s.ring[minute%ringMinutes]
	if b.minute != minute {
		*b = bucket{minute: minute}
	}
	if success {
		b.success++
	} else {
		b.failure++
	}
}

// failureStats returns the window's failure fraction, total count, and the
// current minute's failure count.
func (s *Switch) failureStats() (rate float64, total int64, currentErrors int64) {
	minute := s.clock().Unix() / 60
	s.mu.Lock()
	defer s.mu.Unlock()

	var failures int64
	for _, b := range s.ring {
		if minute-b.minute >= ringMinutes {
			continue
		}
		total += b.success + b.failure
		failures += b.failure
		if b.minute == minute {
			currentErrors = b.failure
		}
	}
	if total > 0 {
		rate = float64(failures) / float64(total)
	}
	return rate, total, currentErrors
}

// minFailureSamples keeps a single early failure from tripping the rate
// threshold on a quiet system.
const minFailureSamples = 10

// Evaluate checks one sample against every threshold and activates on the
// first breach. Also refreshes the in-process mirror, keeping staleness
// bounded by the tick interval.
func (s *Switch) Evaluate(ctx context.Context, sample Sample) {
	if s.metrics != nil {
		s.metrics.SystemMemoryPercent.Set(sample.MemoryPercent)
		s.metrics.SystemCPUPercent.Set(sample.CPUPercent)
	}

	if s.Active(ctx) {
		return
	}

	var reason string
	rate, total, currentErrors := s.failureStats()
	switch {
	case s.cfg.MemoryPct > 0 && sample.MemoryPercent >= s.cfg.MemoryPct:
		reason = fmt.Sprintf("host memory at %.1f%% (threshold %.1f%%)", sample.MemoryPercent, s.cfg.MemoryPct)
	case s.cfg.CPUPct > 0 && sample.CPUPercent >= s.cfg.CPUPct:
		reason = fmt.Sprintf("host cpu at %.1f%% (threshold %.1f%%)", sample.CPUPercent, s.cfg.CPUPct)
	case s.cfg.Concurrent > 0 && sample.Concurrent >= s.cfg.Concurrent:
		reason = fmt.Sprintf("%d concurrent executions (threshold %d)", sample.Concurrent, s.cfg.Concurrent)
	case s.cfg.LongRunningS > 0 && sample.LongRunning > 0:
		reason = fmt.Sprintf("%d executions running longer than %ds", sample.LongRunning, s.cfg.LongRunningS)
	case s.cfg.FailureRate > 0 && total >= minFailureSamples && rate >= s.cfg.FailureRate:
		reason = fmt.Sprintf("failure rate %.0f%% over %d executions", rate*100, total)
	case s.cfg.ErrorPerMin > 0 && currentErrors >= int64(s.cfg.ErrorPerMin):
		reason = fmt.Sprintf("%d errors in the current minute (threshold %d)", currentErrors, s.cfg.ErrorPerMin)
	}
	if reason == "" {
		return
	}
	if err := s.Activate(ctx, reason); err != nil {
		s.logger.Error("kill-switch activation failed", "error", err)
	}
}

// Activate engages the switch. SetNX makes repeated trips within the
// cooldown a no-op, so the terminator and alert fire once per incident.
func (s *Switch) Activate(ctx context.Context, reason string) error {
	cooldown := time.Duration(s.cfg.CooldownS) * time.Second
	won, err := s.kv.SetNX(ctx, stateKey, reason, cooldown)
	if err != nil {
		// Cache down while tripping: engage locally anyway.
		s.setMirror(true)
		return fmt.Errorf("killswitch: persist state: %w", err)
	}
	s.setMirror(true)
	if !won {
		return nil
	}

	s.logger.Error("kill switch activated", "reason", reason)
	if s.metrics != nil {
		s.metrics.KillSwitchTriggers.Inc()
	}
	_ = s.auditor.Record(ctx, "", "", audit.EventKillSwitch, "activate", "",
		map[string]any{"reason": reason})

	s.mu.Lock()
	t := s.terminator
	s.mu.Unlock()
	if t != nil {
		t.TerminateAll(ctx, "kill switch: "+reason)
	}

	s.alert(ctx, reason)
	return nil
}

// Deactivate releases the switch. Operator action, always audited.
func (s *Switch) Deactivate(ctx context.Context, by string) error {
	if err := s.kv.Del(ctx, stateKey); err != nil {
		return fmt.Errorf("killswitch: clear state: %w", err)
	}
	s.setMirror(false)
	s.logger.Info("kill switch deactivated", "by", by)
	_ = s.auditor.Record(ctx, "", by, audit.EventKillSwitch, "deactivate", "", nil)
	return nil
}

func (s *Switch) alert(ctx context.Context, reason string) {
	if s.cfg.AlertURL == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":  "kill_switch_activated",
		"reason": reason,
		"at":     s.clock().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AlertURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Error("kill-switch alert build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("kill-switch alert delivery failed", "url", s.cfg.AlertURL, "error", err)
		return
	}
	resp.Body.Close()
}
