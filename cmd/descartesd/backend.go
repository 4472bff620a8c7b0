package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/dag"
	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/logging"
	"github.com/descartes-run/descartes/observer"
	"github.com/descartes-run/descartes/rpc"
	"github.com/descartes-run/descartes/supervisor"
)

// daemonBackend satisfies rpc.Backend over the daemon's live components.
type daemonBackend struct {
	proxy  *observer.ObservedProxy
	sup    *supervisor.Supervisor
	graph  *dag.Graph
	ograph *observer.ObservedGraph
	leases *observer.ObservedLeaseManager
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]descartes.SessionHandle
}

func newDaemonBackend(p *observer.ObservedProxy, sup *supervisor.Supervisor, g *dag.Graph, og *observer.ObservedGraph, leases *observer.ObservedLeaseManager, opts ...daemonBackendOption) *daemonBackend {
	b := &daemonBackend{
		proxy:    p,
		sup:      sup,
		graph:    g,
		ograph:   og,
		leases:   leases,
		logger:   logging.Discard(),
		sessions: make(map[string]descartes.SessionHandle),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type daemonBackendOption func(*daemonBackend)

func withBackendLogger(l *slog.Logger) daemonBackendOption {
	return func(b *daemonBackend) { b.logger = l }
}

// Spawn starts a session and returns its handle synchronously, per §4.9's
// requirement that spawn not block on the turn it kicks off. The harness
// name is a client-supplied label, not a prompt; the actual turn content
// is the session's configured system prompt. kind currently has no
// bearing on dispatch: the daemon wires exactly one proxy/harness pair,
// so it is accepted for protocol compatibility and recorded nowhere yet.
func (b *daemonBackend) Spawn(ctx context.Context, name string, kind descartes.HarnessKind, cfg descartes.SessionConfig) (descartes.SessionHandle, error) {
	handle, err := b.proxy.StartSession(ctx, cfg, "")
	if err != nil {
		return descartes.SessionHandle{}, err
	}

	b.mu.Lock()
	b.sessions[handle.ID] = handle
	b.mu.Unlock()

	go func(h descartes.SessionHandle) {
		if _, err := b.proxy.Drive(context.Background(), h, cfg.SystemPrompt, 0); err != nil {
			b.logger.Warn("backend: session drive failed", "session", h.ID, "err", err)
		}
	}(handle)

	return handle, nil
}

func (b *daemonBackend) ListSessions(ctx context.Context, filter string) ([]descartes.SessionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]descartes.SessionHandle, 0, len(b.sessions))
	for _, h := range b.sessions {
		if filter == "" || h.Config.Category == filter {
			out = append(out, h)
		}
	}
	return out, nil
}

func (b *daemonBackend) Signal(ctx context.Context, sessionID string, sig supervisor.Signal) error {
	return b.sup.Signal(sessionID, sig)
}

func (b *daemonBackend) Tail(ctx context.Context, sessionID string, n int) ([]string, error) {
	return b.sup.TailStdout(sessionID, n)
}

func (b *daemonBackend) TasksReady(ctx context.Context) ([]*dag.Task, error) {
	return b.graph.ReadyTasks(), nil
}

func (b *daemonBackend) TasksWaves(ctx context.Context) ([][]*dag.Task, error) {
	return b.ograph.Waves(ctx)
}

func (b *daemonBackend) TaskComplete(ctx context.Context, taskID string) error {
	return b.graph.UpdateNode(taskID, dag.StatusDone, nil)
}

func (b *daemonBackend) Approve(ctx context.Context, taskID string, approved bool) error {
	status := dag.StatusReady
	if !approved {
		status = dag.StatusBlocked
	}
	return b.graph.UpdateNode(taskID, status, nil)
}

// daemonStatus is the aggregate health snapshot GetState returns when
// called with no entity id.
type daemonStatus struct {
	Sessions   int `json:"sessions"`
	OpenLeases int `json:"open_leases"`
	Waves      int `json:"waves"`
	ReadyTasks int `json:"ready_tasks"`
}

// GetState resolves entityID against, in order, the live session table, the
// supervisor's child process table, and the file lease manager (entityID
// treated as a path). The first match wins. An empty entityID instead
// returns a daemon-wide status snapshot.
func (b *daemonBackend) GetState(ctx context.Context, entityID string) (any, error) {
	if entityID == "" {
		return b.aggregateStatus(ctx), nil
	}

	b.mu.Lock()
	if h, ok := b.sessions[entityID]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	if summary, err := b.sup.Get(entityID); err == nil {
		return summary, nil
	}

	if leases := b.leases.GetFileLeases(entityID); len(leases) > 0 {
		return leases, nil
	}

	return nil, errs.NotFound("entity "+entityID, nil)
}

func (b *daemonBackend) aggregateStatus(ctx context.Context) daemonStatus {
	waves, err := b.ograph.Waves(ctx)
	if err != nil {
		waves = nil
	}
	b.mu.Lock()
	sessions := len(b.sessions)
	b.mu.Unlock()
	return daemonStatus{
		Sessions:   sessions,
		OpenLeases: b.leases.ActiveCount(),
		Waves:      len(waves),
		ReadyTasks: len(b.graph.ReadyTasks()),
	}
}

var _ rpc.Backend = (*daemonBackend)(nil)
