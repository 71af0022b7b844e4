package contracts

import (
	"errors"
	"fmt"
)

// Kind is the stable classification of a broker error. The set is part of
// the public contract: callers branch on kinds, never on message text.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindCapacity           Kind = "capacity"
	KindKillSwitch         Kind = "kill_switch"
	KindSandboxUnreachable Kind = "sandbox_unreachable"
	KindExecutionFailed    Kind = "execution_failed"
	KindTimeout            Kind = "timeout"
	KindMemory             Kind = "memory"
	KindKilled             Kind = "killed"
	KindExcessiveCalls     Kind = "excessive_calls"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Error is a classified broker error. Message is safe to surface to the
// caller; transport and store detail stays in logs and the execution record.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// RetryAfterSec is a hint for rate_limited and quota_exceeded denials.
	RetryAfterSec int `json:"retry_after_sec,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the low-level error that produced e. The cause is for
// logs only and never serialised.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Convenience constructors for the kinds used across component boundaries.

func Validation(format string, args ...any) *Error { return E(KindValidation, format, args...) }
func Forbidden(format string, args ...any) *Error  { return E(KindForbidden, format, args...) }
func Internal(err error) *Error {
	return (&Error{Kind: KindInternal, Message: "internal error"}).WithCause(err)
}

func RateLimited(retryAfterSec int) *Error {
	return &Error{Kind: KindRateLimited, Message: "tenant rate limit exceeded", RetryAfterSec: retryAfterSec}
}

func QuotaExceeded(retryAfterSec int) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: "tenant monthly quota exhausted", RetryAfterSec: retryAfterSec}
}

// KindOf extracts the stable kind from any error. Unclassified errors are
// internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Exit codes for the admin CLI. The mapping is stable across releases:
// scripts and CI pipelines branch on these values.
const (
	ExitOK         = 0
	ExitValidation = 2
	ExitDenied     = 3
	ExitExecFailed = 4
	ExitInternal   = 70
)

// ExitCode maps an error to the CLI exit code table.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindValidation:
		return ExitValidation
	case KindForbidden, KindRateLimited, KindQuotaExceeded, KindCapacity, KindKillSwitch:
		return ExitDenied
	case KindExecutionFailed, KindTimeout, KindMemory, KindKilled, KindExcessiveCalls, KindSandboxUnreachable, KindCancelled:
		return ExitExecFailed
	default:
		return ExitInternal
	}
}

// StatusForKind maps a terminal error kind onto the execution status it
// closes the log with. The dispatcher is the only caller.
func StatusForKind(kind Kind) Status {
	switch kind {
	case KindTimeout:
		return StatusTimeout
	case KindMemory, KindKilled, KindExcessiveCalls, KindKillSwitch:
		return StatusKilled
	default:
		return StatusFailed
	}
}
