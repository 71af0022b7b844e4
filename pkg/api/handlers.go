package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/broker"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/observability"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
)

// writeErr maps any error onto its HTTP shape.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *contracts.Error
	switch {
	case errors.As(err, &cerr):
		WriteKindError(w, r, cerr)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, execlog.ErrNotFound):
		WriteNotFound(w, "resource not found")
	default:
		WriteInternal(w, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// ownedScript loads a script and enforces tenant ownership. Cross-tenant
// ids read as not-found, never as forbidden: existence itself is private.
func (s *Server) ownedScript(w http.ResponseWriter, r *http.Request, id string) (*contracts.Script, bool) {
	principal, _ := PrincipalFrom(r.Context())
	script, err := s.deps.Catalog.GetScript(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	if script.TenantID != principal.TenantID {
		WriteNotFound(w, "resource not found")
		return nil, false
	}
	return script, true
}

// --- sandbox callback ---

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req broker.CallbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// Classification rides in the body; the transport status stays 200 so
	// the sandbox bridge never confuses broker denials with HTTP failures.
	start := time.Now()
	resp := s.deps.Broker.Handle(r.Context(), &req)
	s.slo.Record(observability.SLOObservation{
		Operation: "callback", Latency: time.Since(start), Success: resp.OK,
	})
	writeJSON(w, http.StatusOK, resp)
}

// --- scripts ---

type createScriptRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Source      string                 `json:"source"`
	Language    string                 `json:"language,omitempty"`
	Config      contracts.ScriptConfig `json:"config"`
	Tags        []string               `json:"tags,omitempty"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req createScriptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Source == "" {
		WriteBadRequest(w, "name and source are required")
		return
	}
	if req.Language == "" {
		req.Language = "javascript"
	}

	if result := s.deps.Validator.Validate(req.Source); !result.OK {
		WriteKindError(w, r, contracts.Validation(
			"script rejected by static validation (%d findings, score %d)",
			len(result.Issues), result.Score))
		return
	}

	script := &contracts.Script{
		TenantID:    principal.TenantID,
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		Language:    req.Language,
		Active:      true,
		Config:      req.Config,
		Tags:        req.Tags,
		CreatedBy:   principal.UserID,
		UpdatedBy:   principal.UserID,
	}
	version, err := s.deps.Catalog.CreateScript(r.Context(), script)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"script": script, "version": version})
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	limit, offset := pageParams(r)
	scripts, err := s.deps.Catalog.ListScriptsByTenant(r.Context(), principal.TenantID, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	var req struct {
		Source string `json:"source"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		WriteBadRequest(w, "source is required")
		return
	}
	if result := s.deps.Validator.Validate(req.Source); !result.OK {
		WriteKindError(w, r, contracts.Validation(
			"script rejected by static validation (%d findings, score %d)",
			len(result.Issues), result.Score))
		return
	}
	version, err := s.deps.Catalog.UpdateScriptSource(r.Context(), script.ID, req.Source, principal.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	if err := s.deps.Catalog.SoftDeleteScript(r.Context(), script.ID, principal.UserID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- execution ---

type executeRequest struct {
	Context map[string]any `json:"context,omitempty"`
	Trigger string         `json:"trigger,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	principal, _ := PrincipalFrom(r.Context())

	var req executeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	trigger := contracts.Trigger(req.Trigger)
	if req.Trigger == "" {
		trigger = contracts.TriggerAPI
	}

	start := time.Now()
	log, err := s.deps.Dispatcher.Execute(r.Context(), script, req.Context, trigger, principal)
	s.slo.Record(observability.SLOObservation{
		Operation: "execute", Latency: time.Since(start), Success: err == nil,
	})
	if log != nil {
		// A log row exists, so the attempt ran to a terminal state; the
		// record itself carries success or failure.
		writeJSON(w, http.StatusOK, log)
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	WriteInternal(w, errors.New("api: execute returned neither log nor error"))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		WriteBadRequest(w, "source is required")
		return
	}
	start := time.Now()
	result := s.deps.Validator.Validate(req.Source)
	s.slo.Record(observability.SLOObservation{
		Operation: "validate", Latency: time.Since(start), Success: result.OK,
	})
	writeJSON(w, http.StatusOK, result)
}

// --- versions ---

func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		WriteBadRequest(w, "invalid version number")
		return 0, false
	}
	return n, true
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	versions, err := s.deps.Catalog.ListVersions(r.Context(), script.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleSubmitVersion(w http.ResponseWriter, r *http.Request) {
	s.versionTransition(w, r, s.deps.Catalog.SubmitVersion)
}

func (s *Server) handleApproveVersion(w http.ResponseWriter, r *http.Request) {
	s.versionTransition(w, r, s.deps.Catalog.ApproveVersion)
}

func (s *Server) handleRejectVersion(w http.ResponseWriter, r *http.Request) {
	s.versionTransition(w, r, s.deps.Catalog.RejectVersion)
}

func (s *Server) versionTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, scriptID string, version int) error) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	n, ok := versionParam(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), script.ID, n); err != nil {
		writeErr(w, r, err)
		return
	}
	version, err := s.deps.Catalog.GetVersion(r.Context(), script.ID, n)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	script, ok := s.ownedScript(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	var req struct {
		ToVersion int `json:"to_version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	version, err := s.deps.Catalog.Rollback(r.Context(), script.ID, req.ToVersion, principal.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// --- executions ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	limit, offset := pageParams(r)

	if scriptID := r.URL.Query().Get("script_id"); scriptID != "" {
		if _, ok := s.ownedScript(w, r, scriptID); !ok {
			return
		}
		logs, err := s.deps.Logs.ListByScript(r.Context(), scriptID, limit, offset)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": logs})
		return
	}

	logs, err := s.deps.Logs.ListByTenant(r.Context(), principal.TenantID, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": logs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	log, err := s.deps.Logs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if log.TenantID != principal.TenantID {
		WriteNotFound(w, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > 24*31 {
			WriteBadRequest(w, "invalid window_hours")
			return
		}
		window = time.Duration(hours) * time.Hour
	}
	stats, err := s.deps.Logs.Stats(r.Context(), s.deps.KV, principal.TenantID, window)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// sloOperations are the pipeline stages with installed objectives.
var sloOperations = []string{"validate", "execute", "callback"}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*observability.SLOStatus, len(sloOperations))
	for _, op := range sloOperations {
		status, err := s.slo.Status(op)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		out[op] = status
	}
	writeJSON(w, http.StatusOK, map[string]any{"slos": out})
}

// --- secrets ---

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	list, err := s.deps.Secrets.List(r.Context(), principal.TenantID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": list})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req struct {
		Value     string     `json:"value"`
		Type      string     `json:"type,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == "" {
		WriteBadRequest(w, "value is required")
		return
	}
	err := s.deps.Secrets.Put(r.Context(), principal.TenantID, r.PathValue("key"), req.Value, secrets.PutOptions{
		Type:      req.Type,
		ExpiresAt: req.ExpiresAt,
		Actor:     principal.UserID,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == "" {
		WriteBadRequest(w, "value is required")
		return
	}
	err := s.deps.Secrets.Rotate(r.Context(), principal.TenantID, r.PathValue("key"), req.Value, principal.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- kill switch ---

func (s *Server) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual activation by " + principal.UserID
	}
	if err := s.deps.KillSwitch.Activate(r.Context(), req.Reason); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "reason": req.Reason})
}

func (s *Server) handleDeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if err := s.deps.KillSwitch.Deactivate(r.Context(), principal.UserID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.deps.KillSwitch.Active(r.Context()),
	})
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health, err := s.deps.Worker.Health(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "sandbox": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sandbox": health,
	})
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
