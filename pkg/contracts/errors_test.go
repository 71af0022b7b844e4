package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Validation("source too long")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("handling request: %w", err)
	if KindOf(wrapped) != KindValidation {
		t.Fatalf("kind lost through wrapping: %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("unclassified errors must map to internal")
	}
	if KindOf(nil) != "" {
		t.Fatal("nil error must have empty kind")
	}
}

func TestWithCauseUnwrap(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Internal(cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable via errors.Is")
	}
	if err.Error() != "internal: internal error" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{Validation("bad"), ExitValidation},
		{Forbidden("no grant"), ExitDenied},
		{RateLimited(30), ExitDenied},
		{QuotaExceeded(3600), ExitDenied},
		{E(KindCapacity, "no slots"), ExitDenied},
		{E(KindKillSwitch, "frozen"), ExitDenied},
		{E(KindExecutionFailed, "script threw"), ExitExecFailed},
		{E(KindTimeout, "deadline"), ExitExecFailed},
		{E(KindSandboxUnreachable, "dial"), ExitExecFailed},
		{errors.New("unexpected"), ExitInternal},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestStatusForKind(t *testing.T) {
	if StatusForKind(KindTimeout) != StatusTimeout {
		t.Fatal("timeout kind must close as timeout")
	}
	if StatusForKind(KindMemory) != StatusKilled {
		t.Fatal("memory kind must close as killed")
	}
	if StatusForKind(KindExcessiveCalls) != StatusKilled {
		t.Fatal("excessive_calls must close as killed")
	}
	if StatusForKind(KindExecutionFailed) != StatusFailed {
		t.Fatal("execution_failed must close as failed")
	}
}
