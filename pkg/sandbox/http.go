package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// ErrUnhealthy marks a worker that answered the health probe but cannot be
// used, for example because it runs an unsupported version.
var ErrUnhealthy = errors.New("sandbox: worker unhealthy")

const (
	retryBase    = 200 * time.Millisecond
	retryJitter  = 50 * time.Millisecond
	maxRespBytes = 10 << 20
)

// HTTPWorker talks to a sandbox daemon over its JSON HTTP interface.
//
// Execute is retried exactly once, and only on a transport failure, i.e.
// when no response arrived and the sandbox cannot have acknowledged the
// job. Once any status code comes back the request is never replayed: the
// sandbox may already be running the script.
type HTTPWorker struct {
	base       string
	client     *http.Client
	minVersion *semver.Constraints
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// NewHTTPWorker builds a worker client from config. The min_version
// constraint is parsed eagerly so a typo fails at startup, not on the first
// health probe.
func NewHTTPWorker(cfg config.SandboxConfig, logger *slog.Logger) (*HTTPWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &HTTPWorker{
		base:   cfg.URL,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
		sleep:  time.Sleep,
	}
	if cfg.MinVersion != "" {
		c, err := semver.NewConstraint(cfg.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("sandbox: parse min_version %q: %w", cfg.MinVersion, err)
		}
		w.minVersion = c
	}
	return w, nil
}

// WithHTTPClient replaces the underlying client, mainly for tests.
func (w *HTTPWorker) WithHTTPClient(c *http.Client) *HTTPWorker {
	w.client = c
	return w
}

// WithSleep replaces the retry backoff sleeper for tests.
func (w *HTTPWorker) WithSleep(sleep func(time.Duration)) *HTTPWorker {
	w.sleep = sleep
	return w
}

// Execute submits the job and waits for the sandbox's verdict.
func (w *HTTPWorker) Execute(ctx context.Context, req *ExecuteRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, contracts.Internal(fmt.Errorf("sandbox: marshal request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			w.logger.Warn("sandbox transport failure, retrying",
				"execution_id", req.ExecutionID, "error", lastErr)
			w.sleep(backoff(attempt))
		}

		resp, err := w.post(ctx, "/execute", body)
		if err != nil {
			lastErr = err
			continue
		}
		return w.readResult(req.ExecutionID, resp)
	}
	return nil, contracts.E(contracts.KindSandboxUnreachable,
		"sandbox did not accept the execution").WithCause(lastErr)
}

func (w *HTTPWorker) readResult(executionID string, resp *http.Response) (*Result, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return nil, contracts.E(contracts.KindExecutionFailed,
			"sandbox response truncated").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, contracts.E(contracts.KindExecutionFailed,
			"sandbox rejected execution %s: status %d", executionID, resp.StatusCode)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, contracts.E(contracts.KindExecutionFailed,
			"sandbox returned malformed result").WithCause(err)
	}
	return &result, nil
}

// Stop asks the sandbox to halt one execution. A 404 means the execution
// already finished, which is success from the caller's point of view.
func (w *HTTPWorker) Stop(ctx context.Context, executionID string) error {
	body, err := json.Marshal(map[string]string{"execution_id": executionID})
	if err != nil {
		return fmt.Errorf("sandbox: marshal stop: %w", err)
	}
	resp, err := w.post(ctx, "/stop", body)
	if err != nil {
		return fmt.Errorf("sandbox: stop %s: %w", executionID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sandbox: stop %s: status %d", executionID, resp.StatusCode)
	}
	return nil
}

// Health probes the worker and applies the version gate.
func (w *HTTPWorker) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build health request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health status %d", ErrUnhealthy, resp.StatusCode)
	}
	var h HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&h); err != nil {
		return nil, fmt.Errorf("sandbox: decode health: %w", err)
	}
	if h.Status != "ok" {
		return &h, fmt.Errorf("%w: reported status %q", ErrUnhealthy, h.Status)
	}
	if w.minVersion != nil {
		v, err := semver.NewVersion(h.Version)
		if err != nil {
			return &h, fmt.Errorf("%w: unparseable version %q", ErrUnhealthy, h.Version)
		}
		if !w.minVersion.Check(v) {
			return &h, fmt.Errorf("%w: version %s below required %s", ErrUnhealthy, h.Version, w.minVersion)
		}
	}
	return &h, nil
}

func (w *HTTPWorker) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return w.client.Do(req)
}

// backoff is base doubled per attempt with ±50ms of jitter.
func backoff(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*retryJitter)))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64()) - retryJitter
}
