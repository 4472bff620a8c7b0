package errs

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := NotFound("session abc123", nil)
	if e.Error() != "not_found: session abc123" {
		t.Errorf("unexpected message: %s", e.Error())
	}

	wrapped := Backend("child exited", errors.New("exit status 1"))
	if wrapped.Error() != "backend: child exited: exit status 1" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Spawn("failed", cause)
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find wrapped cause")
	}
}

func TestIs(t *testing.T) {
	e := Cycle("A->B->A", nil)
	if !Is(e, KindCycle) {
		t.Error("expected Is to match kind")
	}
	if Is(e, KindTimeout) {
		t.Error("expected Is to reject mismatched kind")
	}
	if Is(errors.New("plain"), KindCycle) {
		t.Error("expected Is to reject non-*Error values")
	}
}

func TestRPCCodeDistinct(t *testing.T) {
	seen := map[int]bool{}
	for _, k := range []Kind{KindConfig, KindSpawn, KindProtocol, KindTimeout, KindConflict, KindNotFound, KindCycle, KindCancelled, KindBackend} {
		code := RPCCode(k)
		if seen[code] {
			t.Errorf("duplicate RPC code %d for kind %s", code, k)
		}
		seen[code] = true
	}
}
