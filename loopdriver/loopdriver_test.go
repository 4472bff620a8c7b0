package loopdriver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/descartes-run/descartes/errs"
)

func TestRunStopsOnCompletionSentinel(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Command:            "sh",
		Args:               []string{"-c", `echo "work done <promise>DONE</promise>"`},
		Prompt:             "do the task",
		CompletionSentinel: "<promise>DONE</promise>",
		MaxIterations:      5,
		PromptMode:         PromptArgv,
	}
	d, err := New(cfg, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	state, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.ExitReason != ExitCompletionSentinel {
		t.Errorf("expected completion sentinel exit, got %s", state.ExitReason)
	}
	if state.Iteration != 1 {
		t.Errorf("expected exactly 1 iteration before completion, got %d", state.Iteration)
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Command:            "sh",
		Args:               []string{"-c", "echo still working"},
		Prompt:             "keep going",
		CompletionSentinel: "<promise>DONE</promise>",
		MaxIterations:      3,
		PromptMode:         PromptArgv,
	}
	d, err := New(cfg, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	state, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.ExitReason != ExitMaxIterations {
		t.Errorf("expected max iterations exit, got %s", state.ExitReason)
	}
	if state.Iteration != 3 {
		t.Errorf("expected 3 iterations run, got %d", state.Iteration)
	}
}

func TestResumeFromPersistedState(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	cfg := Config{
		Command:            "sh",
		Args:               []string{"-c", "echo still working"},
		Prompt:             "keep going",
		CompletionSentinel: "<promise>DONE</promise>",
		MaxIterations:      3,
		PromptMode:         PromptArgv,
	}

	d1, err := New(cfg, statePath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d1.runIteration(context.Background()); err != nil {
		t.Fatalf("first iteration: %v", err)
	}
	if d1.State().Iteration != 1 {
		t.Fatalf("expected 1 iteration recorded, got %d", d1.State().Iteration)
	}

	d2, err := New(cfg, statePath)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if d2.State().Iteration != 1 {
		t.Fatalf("expected resumed driver to pick up at iteration 1, got %d", d2.State().Iteration)
	}

	state, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if state.Iteration != 3 {
		t.Errorf("expected total of 3 iterations across both drivers, got %d", state.Iteration)
	}
}

// TestRunEscalatesAndContinuesPastIterationTimeout reproduces a child that
// ignores SIGTERM: the driver must still escalate it to SIGKILL after the
// termination grace period, record the iteration as Timeout rather than
// failing the whole run, and keep going until MaxIterations is hit.
func TestRunEscalatesAndContinuesPastIterationTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Command:          "sh",
		Args:             []string{"-c", "trap '' TERM; sleep 30"},
		Prompt:           "go",
		MaxIterations:    1,
		PromptMode:       PromptArgv,
		IterationTimeout: 50 * time.Millisecond,
	}
	d, err := New(cfg, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	start := time.Now()
	state, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < terminationGrace {
		t.Errorf("expected the grace period to elapse before Kill, only waited %s", elapsed)
	}

	if state.ExitReason != ExitMaxIterations {
		t.Errorf("expected the loop to keep going and stop on max iterations, got %s", state.ExitReason)
	}
	if len(state.IterationSummaries) != 1 {
		t.Fatalf("expected 1 iteration summary, got %d", len(state.IterationSummaries))
	}
	if state.IterationSummaries[0].ExitReason != ExitTimeout {
		t.Errorf("expected the iteration to be recorded as Timeout, got %s", state.IterationSummaries[0].ExitReason)
	}
	if state.Iteration != 1 {
		t.Errorf("expected the timed-out iteration to still count toward the iteration total, got %d", state.Iteration)
	}
}

func TestNewRejectsIncompatibleStateVersion(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	bad := State{Version: "2", Config: Config{Command: "sh"}}
	data, err := json.Marshal(bad)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	cfg := Config{Command: "sh", Args: []string{"-c", "echo hi"}, PromptMode: PromptArgv}
	if _, err := New(cfg, statePath); !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected Config error rejecting unknown major version, got %v", err)
	}
}

func TestCancelStopsBeforeNextIteration(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Command:       "sh",
		Args:          []string{"-c", "echo working"},
		Prompt:        "go",
		MaxIterations: 10,
		PromptMode:    PromptArgv,
	}
	d, err := New(cfg, filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.Cancel()

	state, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.ExitReason != ExitUserCancelled {
		t.Errorf("expected user-cancelled exit, got %s", state.ExitReason)
	}
	if state.Iteration != 0 {
		t.Errorf("expected no iterations to run once cancelled, got %d", state.Iteration)
	}
}
