// Package supervisor manages the lifetime of child harness processes:
// spawn, stdio streaming, signaling, and reaping (§4.2). It is grounded
// on the subprocess-bridging shape of the pack's own NDJSON code runner,
// generalized from a single-shot "run one script" call into a
// long-lived, listable, signalable child table.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
	"golang.org/x/sync/semaphore"
)

// ChildConfig describes how to launch one child process.
type ChildConfig struct {
	Command string
	Argv    []string
	Env     []string
	Cwd     string
}

// ChildSummary is the read-only view List/Get return; it never exposes
// the live pipes or process handle.
type ChildSummary struct {
	ID              string
	Command         string
	Argv            []string
	Status          Status
	StartedAt       time.Time
	EndedAt         time.Time
	ExitCode        int
	StdoutOverflow  int
	StderrOverflow  int
}

type child struct {
	id      string
	cfg     ChildConfig
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *lineBuffer
	stderr  *lineBuffer
	stdoutCh chan string

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	endedAt   time.Time
	exitCode  int

	waitOnce sync.Once
	waitDone chan struct{}
}

func (c *child) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *child) getStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *child) summary() ChildSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, outOverflow := c.stdout.snapshot()
	_, errOverflow := c.stderr.snapshot()
	return ChildSummary{
		ID:             c.id,
		Command:        c.cfg.Command,
		Argv:           c.cfg.Argv,
		Status:         c.status,
		StartedAt:      c.startedAt,
		EndedAt:        c.endedAt,
		ExitCode:       c.exitCode,
		StdoutOverflow: outOverflow,
		StderrOverflow: errOverflow,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger. Components default to a
// discard logger, never nil.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithLineBufferCap bounds how many stdout/stderr lines are retained
// per child before drop-oldest overflow kicks in. Default 1000.
func WithLineBufferCap(n int) Option {
	return func(s *Supervisor) { s.lineBufferCap = n }
}

// Supervisor owns the concurrent, session-id-keyed child table (§5:
// "read-heavy; lookups do not block spawns").
type Supervisor struct {
	mu       sync.RWMutex
	children map[string]*child

	sem           *semaphore.Weighted
	maxConcurrent int64
	lineBufferCap int
	logger        *slog.Logger
}

// New creates a Supervisor with a concurrency cap on simultaneously
// Running/Starting/Paused children. spawn fails with a Spawn error once
// the cap is reached.
func New(maxConcurrent int, opts ...Option) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Supervisor{
		children:      make(map[string]*child),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		lineBufferCap: 1000,
		logger:        logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn launches a child process under config, wiring stdin/stdout/
// stderr pipes and process-group isolation so a later group signal
// reaps descendants too. The child is listable under id as soon as Spawn
// returns successfully.
func (s *Supervisor) Spawn(ctx context.Context, id string, cfg ChildConfig) error {
	if !s.sem.TryAcquire(1) {
		return errs.Spawn("pool full", nil)
	}

	cmd := exec.Command(cfg.Command, cfg.Argv...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.sem.Release(1)
		return errs.Spawn("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.sem.Release(1)
		return errs.Spawn("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.sem.Release(1)
		return errs.Spawn("stderr pipe", err)
	}

	c := &child{
		id:        id,
		cfg:       cfg,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newLineBuffer(s.lineBufferCap),
		stderr:    newLineBuffer(s.lineBufferCap),
		stdoutCh:  make(chan string, 1),
		status:    Starting,
		startedAt: time.Now(),
		waitDone:  make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		s.sem.Release(1)
		return errs.Spawn(fmt.Sprintf("launch %s", cfg.Command), err)
	}
	c.setStatus(Running)

	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()

	go s.pumpLines(c, stdout, c.stdout, c.stdoutCh)
	go s.pumpLines(c, stderr, c.stderr, nil)
	go s.reap(c)

	s.logger.Info("supervisor: spawned", "id", id, "command", cfg.Command)
	return nil
}

func (s *Supervisor) pumpLines(c *child, r io.Reader, buf *lineBuffer, forward chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.push(line)
		if forward != nil {
			forward <- line
		}
	}
	if forward != nil {
		close(forward)
	}
}

func (s *Supervisor) reap(c *child) {
	err := c.cmd.Wait()
	s.sem.Release(1)

	c.mu.Lock()
	c.endedAt = time.Now()
	if err == nil {
		c.status = Completed
		c.exitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		c.exitCode = exitErr.ExitCode()
		if c.status == Terminated {
			// already marked Terminated by a Kill/Terminate signal
		} else {
			c.status = Failed
		}
	} else {
		c.status = Failed
		c.exitCode = -1
	}
	c.mu.Unlock()

	c.waitOnce.Do(func() { close(c.waitDone) })
	s.logger.Info("supervisor: reaped", "id", c.id, "status", c.getStatus().String())
}

func (s *Supervisor) lookup(id string) (*child, error) {
	s.mu.RLock()
	c, ok := s.children[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound(fmt.Sprintf("child %s", id), nil)
	}
	return c, nil
}

// SendStdin writes bytes to the child's stdin and flushes.
func (s *Supervisor) SendStdin(id string, data []byte) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(data); err != nil {
		return errs.Backend("write stdin", err)
	}
	return nil
}

// StreamStdout returns the lazy, finite sequence of stdout lines for id.
// The channel closes on EOF; it is safe to call only once per child
// since the underlying forward channel is shared across callers.
func (s *Supervisor) StreamStdout(id string) (<-chan string, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.stdoutCh, nil
}

// Signal sends sig to the child's process group.
func (s *Supervisor) Signal(id string, sig Signal) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	pgid, err := syscall.Getpgid(c.cmd.Process.Pid)
	if err != nil {
		pgid = c.cmd.Process.Pid
	}
	switch sig {
	case Interrupt:
		return syscall.Kill(-pgid, syscall.SIGINT)
	case Terminate:
		return syscall.Kill(-pgid, syscall.SIGTERM)
	case Kill:
		c.setStatus(Terminated)
		return syscall.Kill(-pgid, syscall.SIGKILL)
	case Pause:
		c.setStatus(Paused)
		return syscall.Kill(-pgid, syscall.SIGSTOP)
	case Resume:
		c.setStatus(Running)
		return syscall.Kill(-pgid, syscall.SIGCONT)
	default:
		return errs.Config(fmt.Sprintf("unknown signal %d", sig), nil)
	}
}

// Wait blocks until the child exits or timeout elapses. On timeout it
// escalates Terminate, then after a grace period Kill, and returns
// reason=ForcedTermination.
func (s *Supervisor) Wait(ctx context.Context, id string, timeout time.Duration) (exitCode int, reason WaitReason, err error) {
	c, err := s.lookup(id)
	if err != nil {
		return 0, ExitedNormally, err
	}

	if timeout <= 0 {
		select {
		case <-c.waitDone:
			return c.exitCode, ExitedNormally, nil
		case <-ctx.Done():
			return 0, ExitedNormally, errs.Cancelled("wait cancelled", ctx.Err())
		}
	}

	select {
	case <-c.waitDone:
		return c.exitCode, ExitedNormally, nil
	case <-time.After(timeout):
	case <-ctx.Done():
		return 0, ExitedNormally, errs.Cancelled("wait cancelled", ctx.Err())
	}

	_ = s.Signal(id, Terminate)
	select {
	case <-c.waitDone:
		return c.exitCode, ForcedTermination, nil
	case <-time.After(5 * time.Second):
	}
	_ = s.Signal(id, Kill)
	<-c.waitDone
	return c.exitCode, ForcedTermination, nil
}

// List returns a snapshot of every known child.
func (s *Supervisor) List() []ChildSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChildSummary, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.summary())
	}
	return out
}

// Get returns a snapshot of one child.
func (s *Supervisor) Get(id string) (ChildSummary, error) {
	c, err := s.lookup(id)
	if err != nil {
		return ChildSummary{}, err
	}
	return c.summary(), nil
}

// Close removes a terminal child from the table. It is an error to
// close a child that hasn't reached a terminal status.
func (s *Supervisor) Close(id string) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !c.getStatus().IsTerminal() {
		return errs.Conflict(fmt.Sprintf("child %s is not terminal", id), nil)
	}
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
	return nil
}

// TailStdout returns at most n of the most recent stdout lines, or all
// retained lines when n <= 0.
func (s *Supervisor) TailStdout(id string, n int) ([]string, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.stdout.tail(n), nil
}
