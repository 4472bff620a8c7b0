package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/descartes-run/descartes/errs"
)

func TestSpawnAndStreamStdout(t *testing.T) {
	s := New(4)
	ctx := context.Background()

	if err := s.Spawn(ctx, "c1", ChildConfig{Command: "sh", Argv: []string{"-c", "echo one; echo two"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	lines, err := s.StreamStdout("c1")
	if err != nil {
		t.Fatalf("stream stdout: %v", err)
	}

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("unexpected lines: %v", got)
	}

	exitCode, reason, err := s.Wait(ctx, "c1", 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}
	if reason != ExitedNormally {
		t.Errorf("expected ExitedNormally, got %v", reason)
	}

	summary, err := s.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.Status != Completed {
		t.Errorf("expected Completed, got %v", summary.Status)
	}
}

func TestSpawnPoolFull(t *testing.T) {
	s := New(1)
	ctx := context.Background()

	if err := s.Spawn(ctx, "a", ChildConfig{Command: "sh", Argv: []string{"-c", "sleep 1"}}); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	err := s.Spawn(ctx, "b", ChildConfig{Command: "sh", Argv: []string{"-c", "echo hi"}})
	if err == nil {
		t.Fatal("expected pool-full error")
	}
	if !errs.Is(err, errs.KindSpawn) {
		t.Errorf("expected Spawn kind, got %v", err)
	}

	s.Wait(ctx, "a", 2*time.Second)
}

func TestSignalKill(t *testing.T) {
	s := New(4)
	ctx := context.Background()

	if err := s.Spawn(ctx, "k1", ChildConfig{Command: "sh", Argv: []string{"-c", "sleep 30"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.Signal("k1", Kill); err != nil {
		t.Fatalf("signal kill: %v", err)
	}

	_, _, err := s.Wait(ctx, "k1", 2*time.Second)
	if err != nil {
		t.Fatalf("wait after kill: %v", err)
	}

	summary, _ := s.Get("k1")
	if summary.Status != Terminated {
		t.Errorf("expected Terminated, got %v", summary.Status)
	}
}

func TestGetUnknownChild(t *testing.T) {
	s := New(4)
	if _, err := s.Get("missing"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCloseRequiresTerminal(t *testing.T) {
	s := New(4)
	ctx := context.Background()
	if err := s.Spawn(ctx, "long", ChildConfig{Command: "sh", Argv: []string{"-c", "sleep 30"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Signal("long", Kill)

	if err := s.Close("long"); !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected Conflict closing a running child, got %v", err)
	}
}

func TestParseSignalRoundTrip(t *testing.T) {
	for _, sig := range []Signal{Interrupt, Terminate, Kill, Pause, Resume} {
		parsed, ok := ParseSignal(sig.String())
		if !ok || parsed != sig {
			t.Errorf("ParseSignal(%q) = %v, %v; want %v, true", sig.String(), parsed, ok, sig)
		}
	}
	if _, ok := ParseSignal("bogus"); ok {
		t.Error("expected ParseSignal to reject an unknown name")
	}
}
