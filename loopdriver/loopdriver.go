// Package loopdriver implements the resumable, Ralph-style iterative loop
// of §4.8: repeatedly run a CLI command with a fixed prompt until it signals
// completion, persisting enough state after every iteration that a crashed
// or killed daemon can pick a loop back up exactly where it left off.
// Persistence follows the same atomic tmp-file-then-rename discipline as
// the transcript store.
package loopdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
)

// terminationGrace is how long an iteration's child gets to exit after
// Terminate before it is escalated to Kill, matching
// supervisor.Supervisor.Wait's own grace period.
const terminationGrace = 5 * time.Second

// PromptMode selects how the prompt text reaches the child process.
type PromptMode string

const (
	PromptArgv  PromptMode = "argv"
	PromptStdin PromptMode = "stdin"
	PromptEnv   PromptMode = "env"
)

// ExitReason explains why a loop stopped. The empty string means the loop
// is still running.
type ExitReason string

const (
	ExitNone               ExitReason = ""
	ExitCompletionSentinel ExitReason = "completion_sentinel"
	ExitMaxIterations      ExitReason = "max_iterations"
	ExitUserCancelled      ExitReason = "user_cancelled"
	ExitProcessSuccess     ExitReason = "process_success"
	ExitError              ExitReason = "error"
	ExitAwaitingHumanTune  ExitReason = "awaiting_human_tune"
	ExitTimeout            ExitReason = "timeout"
)

// Config describes one loop: what to run, how to feed it the prompt, and
// when to stop.
type Config struct {
	Command                 string
	Args                    []string
	Prompt                  string
	CompletionSentinel      string
	MaxIterations           int // 0 = unlimited
	WorkingDirectory        string
	PromptMode              PromptMode
	Environment             map[string]string
	IncludeIterationContext bool
	IterationTimeout        time.Duration
	AutoCommit              bool
	CommitTemplate          string // "{iteration}" is substituted
}

// IterationSummary records one completed iteration for the state file.
type IterationSummary struct {
	Iteration     int        `json:"iteration"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   time.Time  `json:"completed_at"`
	ExitCode      int        `json:"exit_code"`
	OutputPreview string     `json:"output_preview"`
	ExitReason    ExitReason `json:"exit_reason,omitempty"`
}

// State is the full resumable snapshot of a loop.
type State struct {
	Version               string             `json:"version"`
	Iteration             int                `json:"iteration"`
	Config                Config             `json:"config"`
	StartedAt             time.Time          `json:"started_at"`
	LastIterationAt       time.Time          `json:"last_iteration_at,omitempty"`
	Completed             bool               `json:"completed"`
	CompletionDetectedAt  time.Time          `json:"completion_detected_at,omitempty"`
	CompletionText        string             `json:"completion_text,omitempty"`
	ExitReason            ExitReason         `json:"exit_reason"`
	IterationSummaries    []IterationSummary `json:"iteration_summaries"`
	Error                 string             `json:"error,omitempty"`
}

const previewLen = 500
const stateVersion = "1"

// majorVersion returns the portion of a state version string before its
// first ".", so "2.3" and "2.1" compare equal but "1" and "2" don't.
func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// Driver runs a Config to completion, persisting a State snapshot after
// every iteration.
type Driver struct {
	mu        sync.Mutex
	cfg       Config
	statePath string
	state     State
	cancelled bool
	logger    *slog.Logger
}

// New creates a Driver for cfg, persisting state to statePath. If
// statePath already holds a valid snapshot for this loop, that snapshot is
// loaded and the loop resumes from its recorded iteration instead of
// starting over.
func New(cfg Config, statePath string, opts ...Option) (*Driver, error) {
	d := &Driver{
		cfg:       cfg,
		statePath: statePath,
		logger:    logging.Discard(),
	}
	for _, o := range opts {
		o(d)
	}

	if existing, err := loadState(statePath); err == nil {
		if majorVersion(existing.Version) != majorVersion(stateVersion) {
			return nil, errs.Config(fmt.Sprintf("loop state %s has incompatible version %q (expected major version %q)", statePath, existing.Version, majorVersion(stateVersion)), nil)
		}
		d.state = existing
		d.cfg = existing.Config
	} else {
		d.state = State{
			Version:    stateVersion,
			Config:     cfg,
			StartedAt:  time.Now(),
			ExitReason: ExitNone,
		}
		if err := d.persist(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Cancel requests the loop stop before its next iteration starts. The
// current iteration (if any) still runs to completion.
func (d *Driver) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
}

// State returns a snapshot of the driver's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run executes iterations until completion is detected, the iteration
// budget is exhausted, the loop is cancelled, or an iteration errors.
func (d *Driver) Run(ctx context.Context) (State, error) {
	for {
		d.mu.Lock()
		if d.state.Completed {
			s := d.state
			d.mu.Unlock()
			return s, nil
		}
		if d.cancelled {
			d.state.Completed = true
			d.state.ExitReason = ExitUserCancelled
			s := d.state
			d.mu.Unlock()
			_ = d.persist()
			return s, nil
		}
		if d.cfg.MaxIterations > 0 && d.state.Iteration >= d.cfg.MaxIterations {
			d.state.Completed = true
			d.state.ExitReason = ExitMaxIterations
			s := d.state
			d.mu.Unlock()
			_ = d.persist()
			return s, nil
		}
		d.mu.Unlock()

		if err := d.runIteration(ctx); err != nil {
			d.mu.Lock()
			d.state.Completed = true
			d.state.ExitReason = ExitError
			d.state.Error = err.Error()
			s := d.state
			d.mu.Unlock()
			_ = d.persist()
			return s, err
		}
	}
}

func (d *Driver) runIteration(ctx context.Context) error {
	d.mu.Lock()
	iteration := d.state.Iteration
	cfg := d.cfg
	d.mu.Unlock()

	prompt := cfg.Prompt
	if cfg.IncludeIterationContext && iteration > 0 {
		prompt = fmt.Sprintf("%s\n\n(iteration %d)", cfg.Prompt, iteration)
	}

	started := time.Now()
	output, exitCode, timedOut, err := d.exec(ctx, cfg, prompt)
	completed := time.Now()

	if err != nil {
		if ctx.Err() != nil {
			return errs.Cancelled(fmt.Sprintf("iteration %d cancelled", iteration), err)
		}
		return errs.Backend(fmt.Sprintf("iteration %d", iteration), err)
	}

	preview := output
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}

	summary := IterationSummary{
		Iteration:     iteration,
		StartedAt:     started,
		CompletedAt:   completed,
		ExitCode:      exitCode,
		OutputPreview: preview,
	}

	d.mu.Lock()
	if timedOut {
		// A timed-out iteration is escalated (Terminate, then Kill after a
		// grace period) but is not itself fatal to the loop: it counts
		// against MaxIterations like any other iteration and the loop
		// continues.
		summary.ExitReason = ExitTimeout
		d.state.IterationSummaries = append(d.state.IterationSummaries, summary)
		d.state.Iteration = iteration + 1
		d.state.LastIterationAt = completed
		persistErr := d.persist()
		d.mu.Unlock()
		if cfg.AutoCommit {
			if err := autoCommit(cfg.WorkingDirectory, cfg.CommitTemplate, iteration); err != nil {
				d.logger.Warn("loopdriver: auto-commit failed", "iteration", iteration, "err", err)
			}
		}
		return persistErr
	}

	d.state.IterationSummaries = append(d.state.IterationSummaries, summary)
	d.state.Iteration = iteration + 1
	d.state.LastIterationAt = completed

	if cfg.CompletionSentinel != "" && strings.Contains(output, cfg.CompletionSentinel) {
		d.state.Completed = true
		d.state.ExitReason = ExitCompletionSentinel
		d.state.CompletionDetectedAt = completed
		d.state.CompletionText = cfg.CompletionSentinel
	} else if cfg.CompletionSentinel == "" && exitCode == 0 {
		d.state.Completed = true
		d.state.ExitReason = ExitProcessSuccess
	}
	persistErr := d.persist()
	d.mu.Unlock()

	if cfg.AutoCommit {
		if err := autoCommit(cfg.WorkingDirectory, cfg.CommitTemplate, iteration); err != nil {
			d.logger.Warn("loopdriver: auto-commit failed", "iteration", iteration, "err", err)
		}
	}

	return persistErr
}

// exec runs one iteration's child process and returns its combined
// stdout+stderr, exit code, and whether it had to be escalated past its
// iteration timeout. The child runs in its own process group so a timeout
// can be escalated the same way supervisor.Supervisor.Wait escalates a
// session it supervises: Terminate, then Kill after a grace period, rather
// than relying on context cancellation's unconditional hard kill.
func (d *Driver) exec(ctx context.Context, cfg Config, prompt string) (output string, exitCode int, timedOut bool, err error) {
	args := append([]string(nil), cfg.Args...)
	if cfg.PromptMode == PromptArgv || cfg.PromptMode == "" {
		args = append(args, prompt)
	}

	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cfg.PromptMode == PromptEnv {
		cmd.Env = append(cmd.Env, "DESCARTES_LOOP_PROMPT="+prompt)
	}
	if cfg.PromptMode == PromptStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", 0, false, err
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if cfg.IterationTimeout > 0 {
		timer := time.NewTimer(cfg.IterationTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case werr := <-waitDone:
		return buf.String(), exitCodeOf(werr), false, nil
	case <-timeoutCh:
		werr := d.escalate(cmd.Process.Pid, waitDone)
		return buf.String(), exitCodeOf(werr), true, nil
	case <-ctx.Done():
		_ = d.escalate(cmd.Process.Pid, waitDone)
		return buf.String(), 0, false, ctx.Err()
	}
}

// escalate signals a child's process group to Terminate, then after
// terminationGrace escalates to Kill, mirroring
// supervisor.Supervisor.Signal/Wait. It blocks until waitDone fires.
func (d *Driver) escalate(pid int, waitDone <-chan error) error {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case werr := <-waitDone:
		return werr
	case <-time.After(terminationGrace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-waitDone
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 0
}

// autoCommit stages and commits any working-tree changes in dir. Per the
// resolved open question, a clean tree is a no-op, not a failure: a quiet
// `git diff` exit means the iteration simply made no file changes.
func autoCommit(dir, template string, iteration int) error {
	if dir == "" {
		dir = "."
	}
	diff := exec.Command("git", "diff", "--quiet", "--exit-code")
	diff.Dir = dir
	if err := diff.Run(); err == nil {
		return nil // clean tree, nothing to commit
	}

	add := exec.Command("git", "add", "-A")
	add.Dir = dir
	if err := add.Run(); err != nil {
		return fmt.Errorf("loopdriver: git add: %w", err)
	}

	if template == "" {
		template = "loop: iteration {iteration}"
	}
	message := strings.ReplaceAll(template, "{iteration}", fmt.Sprintf("%d", iteration))

	commit := exec.Command("git", "commit", "-m", message)
	commit.Dir = dir
	if err := commit.Run(); err != nil {
		return fmt.Errorf("loopdriver: git commit: %w", err)
	}
	return nil
}

func loadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// persist rewrites the state file atomically via a temp file plus rename,
// so a reader never observes a half-written snapshot.
func (d *Driver) persist() error {
	if d.statePath == "" {
		return nil
	}
	dir := filepath.Dir(d.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Backend("create loop state directory", err)
	}

	data, err := json.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return errs.Backend("encode loop state", err)
	}

	tmp, err := os.CreateTemp(dir, "loop-state-*.tmp")
	if err != nil {
		return errs.Backend("create temp loop state file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Backend("write loop state", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Backend("close temp loop state file", err)
	}
	if err := os.Rename(tmp.Name(), d.statePath); err != nil {
		return errs.Backend("rename loop state file", err)
	}
	return nil
}
