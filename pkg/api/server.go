package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/broker"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/dispatch"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/killswitch"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/observability"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/validator"

	"github.com/marektomas-cz/script-executor/pkg/cache"
)

// Deps wires the server's collaborators.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Broker     *broker.Broker
	Catalog    *store.Catalog
	Logs       *execlog.Store
	KV         cache.KV
	Validator  *validator.Validator
	Secrets    *secrets.Store
	KillSwitch *killswitch.Switch
	Worker     sandbox.Worker
	Metrics    *metrics.Metrics
	Config     *config.Config
	Logger     *slog.Logger
}

// Server is the HTTP front of the executor.
type Server struct {
	deps      Deps
	jwtSecret string
	limiter   *ipLimiter
	slo       *observability.SLOTracker
	logger    *slog.Logger
	http      *http.Server
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:      deps,
		jwtSecret: deps.Config.API.JWTSecret,
		limiter:   newIPLimiter(100, 200),
		slo:       newSLOTracker(),
		logger:    logger.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              deps.Config.API.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute, // executions block up to the watchdog deadline
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Routes builds the full handler tree. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Sandbox-facing: token-authenticated inside the broker, not by JWT.
	mux.HandleFunc("POST /internal/script-executor/callback", s.handleCallback)

	// Operational surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	// Tenant API.
	mux.HandleFunc("POST /api/v1/scripts", s.requireAuth(s.handleCreateScript))
	mux.HandleFunc("GET /api/v1/scripts", s.requireAuth(s.handleListScripts))
	mux.HandleFunc("GET /api/v1/scripts/{id}", s.requireAuth(s.handleGetScript))
	mux.HandleFunc("PUT /api/v1/scripts/{id}/source", s.requireAuth(s.handleUpdateSource))
	mux.HandleFunc("DELETE /api/v1/scripts/{id}", s.requireAuth(s.handleDeleteScript))
	mux.HandleFunc("POST /api/v1/scripts/{id}/execute", s.requireAuth(s.handleExecute))
	mux.HandleFunc("POST /api/v1/validate", s.requireAuth(s.handleValidate))

	mux.HandleFunc("GET /api/v1/scripts/{id}/versions", s.requireAuth(s.handleListVersions))
	mux.HandleFunc("POST /api/v1/scripts/{id}/versions/{n}/submit", s.requireAuth(s.handleSubmitVersion))
	mux.HandleFunc("POST /api/v1/scripts/{id}/versions/{n}/approve",
		s.requireRole(s.handleApproveVersion, "admin", "operator"))
	mux.HandleFunc("POST /api/v1/scripts/{id}/versions/{n}/reject",
		s.requireRole(s.handleRejectVersion, "admin", "operator"))
	mux.HandleFunc("POST /api/v1/scripts/{id}/rollback",
		s.requireRole(s.handleRollback, "admin", "operator"))

	mux.HandleFunc("GET /api/v1/executions", s.requireAuth(s.handleListExecutions))
	mux.HandleFunc("GET /api/v1/executions/{id}", s.requireAuth(s.handleGetExecution))
	mux.HandleFunc("GET /api/v1/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/v1/slo", s.requireAuth(s.handleSLO))

	mux.HandleFunc("GET /api/v1/secrets", s.requireAuth(s.handleListSecrets))
	mux.HandleFunc("PUT /api/v1/secrets/{key}", s.requireRole(s.handlePutSecret, "admin"))
	mux.HandleFunc("POST /api/v1/secrets/{key}/rotate", s.requireRole(s.handleRotateSecret, "admin"))

	mux.HandleFunc("POST /api/v1/killswitch/activate", s.requireRole(s.handleActivateKillSwitch, "admin"))
	mux.HandleFunc("POST /api/v1/killswitch/deactivate", s.requireRole(s.handleDeactivateKillSwitch, "admin"))
	mux.HandleFunc("GET /api/v1/killswitch", s.requireAuth(s.handleKillSwitchStatus))

	return withRequestID(s.limiter.middleware(mux))
}

// newSLOTracker installs the serving objectives for the tenant-visible
// pipeline stages. The execute latency budget covers the default script
// timeout plus dispatch overhead.
func newSLOTracker() *observability.SLOTracker {
	t := observability.NewSLOTracker()
	t.SetTarget(&observability.SLOTarget{
		SLOID: "slo-validate", Name: "validation latency", Operation: "validate",
		LatencyP99: 250 * time.Millisecond, SuccessRate: 0.99, WindowHours: 24,
	})
	t.SetTarget(&observability.SLOTarget{
		SLOID: "slo-execute", Name: "execution completion", Operation: "execute",
		LatencyP99: 35 * time.Second, SuccessRate: 0.95, WindowHours: 24,
	})
	t.SetTarget(&observability.SLOTarget{
		SLOID: "slo-callback", Name: "callback latency", Operation: "callback",
		LatencyP99: 500 * time.Millisecond, SuccessRate: 0.99, WindowHours: 24,
	})
	return t
}

// ListenAndServe blocks serving until the context is cancelled, then
// drains with a 10s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
