// Package validator is the static gate in front of the dispatcher. It
// rejects dangerous source before any resource is committed: no I/O, no
// clock reads besides the memo cache, deterministic output for identical
// input.
package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

// Severity classifies an issue. Any high issue fails validation; more than
// two medium issues fail; low issues are reported only.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one finding against the policy.
type Issue struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Line     int      `json:"line"`
	Detail   string   `json:"detail"`
}

// Result is the full outcome of validating one source text.
type Result struct {
	OK       bool    `json:"ok"`
	Issues   []Issue `json:"issues,omitempty"`
	Score    int     `json:"score"`    // 0..100, 100 is clean
	Checksum string  `json:"checksum"` // sha256:<hex> of the source
}

const (
	penaltyHigh   = 25
	penaltyMedium = 10
	penaltyLow    = 2
)

type memoEntry struct {
	result    Result
	expiresAt time.Time
}

// Validator applies the ordered policy of the static gate. Safe for
// concurrent use; results are memoised by source hash.
type Validator struct {
	cfg config.ValidatorConfig

	mu    sync.Mutex
	memo  map[string]memoEntry
	clock func() time.Time
}

// New builds a Validator with the given limits.
func New(cfg config.ValidatorConfig) *Validator {
	return &Validator{
		cfg:   cfg,
		memo:  make(map[string]memoEntry),
		clock: time.Now,
	}
}

// WithClock replaces the memo cache time source for tests.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate runs every policy check and collects all issues. The result for
// a given source hash is cached for the configured TTL.
func (v *Validator) Validate(source string) Result {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	if entry, ok := v.memo[key]; ok && v.clock().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.result
	}
	v.mu.Unlock()

	result := v.analyze(source)
	result.Checksum = "sha256:" + key

	v.mu.Lock()
	if len(v.memo) > 1024 {
		now := v.clock()
		for k, e := range v.memo {
			if !now.Before(e.expiresAt) {
				delete(v.memo, k)
			}
		}
	}
	v.memo[key] = memoEntry{result: result, expiresAt: v.clock().Add(v.cacheTTL())}
	v.mu.Unlock()

	return result
}

func (v *Validator) cacheTTL() time.Duration {
	if v.cfg.CacheTTLS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(v.cfg.CacheTTLS) * time.Second
}

func (v *Validator) analyze(source string) Result {
	a := newAnalysis(v.cfg, source)
	issues := a.run()

	// Deterministic order: by line, then kind. The walk itself is
	// deterministic but source scans and AST findings interleave.
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Line != issues[j].Line {
			return issues[i].Line < issues[j].Line
		}
		return issues[i].Kind < issues[j].Kind
	})

	var highs, mediums, lows int
	for _, is := range issues {
		switch is.Severity {
		case SeverityHigh:
			highs++
		case SeverityMedium:
			mediums++
		default:
			lows++
		}
	}

	score := 100 - highs*penaltyHigh - mediums*penaltyMedium - lows*penaltyLow
	if score < 0 {
		score = 0
	}

	return Result{
		OK:     highs == 0 && mediums <= 2,
		Issues: issues,
		Score:  score,
	}
}
