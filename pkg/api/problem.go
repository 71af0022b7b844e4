// Package api is the HTTP surface: the sandbox callback endpoint, the
// tenant-facing execution API, and the admin operations surface. Error
// responses use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Kind is the stable error classification; clients branch on it
	// rather than on Detail text.
	Kind contracts.Kind `json:"kind,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://script-executor.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteKindError maps a classified error onto its HTTP shape. The kind
// table is part of the public contract: validation 422, forbidden 403,
// rate and quota denials 429 with Retry-After, capacity and kill-switch
// 503, sandbox outage 502, everything unclassified 500.
func WriteKindError(w http.ResponseWriter, r *http.Request, cerr *contracts.Error) {
	status := http.StatusInternalServerError
	title := "Internal Server Error"
	detail := cerr.Message

	switch cerr.Kind {
	case contracts.KindValidation:
		status, title = http.StatusUnprocessableEntity, "Validation Failed"
	case contracts.KindForbidden:
		status, title = http.StatusForbidden, "Forbidden"
	case contracts.KindRateLimited:
		status, title = http.StatusTooManyRequests, "Rate Limit Exceeded"
	case contracts.KindQuotaExceeded:
		status, title = http.StatusTooManyRequests, "Quota Exhausted"
	case contracts.KindCapacity:
		status, title = http.StatusServiceUnavailable, "At Capacity"
	case contracts.KindKillSwitch:
		status, title = http.StatusServiceUnavailable, "Executions Suspended"
	case contracts.KindSandboxUnreachable:
		status, title = http.StatusBadGateway, "Sandbox Unreachable"
	case contracts.KindInternal:
		detail = "internal error" // cause stays in logs
	}

	if cerr.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", cerr.RetryAfterSec))
	}
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://script-executor.dev/errors/%s", cerr.Kind),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Kind:     cerr.Kind,
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
