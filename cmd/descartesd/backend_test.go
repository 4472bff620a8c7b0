package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/dag"
	"github.com/descartes-run/descartes/lease"
	"github.com/descartes-run/descartes/observer"
	"github.com/descartes-run/descartes/proxy"
	"github.com/descartes-run/descartes/supervisor"
	"github.com/descartes-run/descartes/transcript"
)

// fakeHarness is a scripted descartes.Harness, just enough to drive a
// Proxy through Spawn's asynchronous StartSession-then-Drive path without
// a real subprocess.
type fakeHarness struct {
	counter atomic.Int64
	chunks  []descartes.ResponseChunk
	closed  chan string
}

func (f *fakeHarness) Name() string               { return "fake" }
func (f *fakeHarness) Kind() descartes.HarnessKind { return descartes.HarnessSubprocess }

func (f *fakeHarness) StartSession(ctx context.Context, cfg descartes.SessionConfig) (descartes.SessionHandle, error) {
	id := f.counter.Add(1)
	return descartes.SessionHandle{ID: "fake-session-" + string(rune('0'+id)), Config: cfg}, nil
}

func (f *fakeHarness) Send(ctx context.Context, session descartes.SessionHandle, prompt string) (descartes.ChunkStream, error) {
	ch := make(chan descartes.ResponseChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeHarness) DetectSpawn(c descartes.ResponseChunk) (descartes.SubagentSpawnPayload, bool) {
	if c.Kind == descartes.ChunkSubagentSpawn {
		return *c.SubagentSpawn, true
	}
	return descartes.SubagentSpawnPayload{}, false
}

func (f *fakeHarness) InjectResult(ctx context.Context, session descartes.SessionHandle, result descartes.SubagentResult) error {
	return nil
}

func (f *fakeHarness) CloseSession(ctx context.Context, session descartes.SessionHandle) error {
	if f.closed != nil {
		f.closed <- session.ID
	}
	return nil
}

func testBackend(t *testing.T) *daemonBackend {
	t.Helper()
	inst, _, err := observer.Init(context.Background())
	if err != nil {
		t.Fatalf("observer.Init: %v", err)
	}

	g, err := dag.New()
	if err != nil {
		t.Fatalf("dag.New: %v", err)
	}
	og := observer.WrapGraph(g, inst)

	leases := observer.WrapLeaseManager(lease.New(), inst)

	sup := supervisor.New(4)

	h := &fakeHarness{chunks: []descartes.ResponseChunk{descartes.TextChunk("hi", false), descartes.DoneChunk()}}
	p := proxy.New(h, transcript.New(t.TempDir()), descartes.NewCategoryRegistry())
	observedProxy := observer.WrapProxy(p, inst)

	return newDaemonBackend(observedProxy, sup, g, og, leases)
}

// TestDaemonBackendSpawnReturnsSynchronously reproduces §4.9's requirement
// that spawn hand back a handle before the session's turn finishes: the
// fake harness's Send never blocks, so if Spawn were still driving the
// session inline (as it did before the fix) this would still pass,
// but the session being registered in b.sessions immediately, rather than
// only after the goroutine runs, proves Spawn itself doesn't wait on it.
func TestDaemonBackendSpawnReturnsSynchronously(t *testing.T) {
	inst, _, err := observer.Init(context.Background())
	if err != nil {
		t.Fatalf("observer.Init: %v", err)
	}
	g, err := dag.New()
	if err != nil {
		t.Fatalf("dag.New: %v", err)
	}
	og := observer.WrapGraph(g, inst)
	leases := observer.WrapLeaseManager(lease.New(), inst)
	sup := supervisor.New(4)

	h := &fakeHarness{
		chunks: []descartes.ResponseChunk{descartes.TextChunk("hi", false), descartes.DoneChunk()},
		closed: make(chan string, 1),
	}
	p := proxy.New(h, transcript.New(t.TempDir()), descartes.NewCategoryRegistry())
	b := newDaemonBackend(observer.WrapProxy(p, inst), sup, g, og, leases)

	handle, err := b.Spawn(context.Background(), "my-session", descartes.HarnessSubprocess, descartes.SessionConfig{Model: "opus", SystemPrompt: "hello"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if handle.ID == "" {
		t.Fatal("expected a non-empty session id")
	}

	b.mu.Lock()
	_, registered := b.sessions[handle.ID]
	b.mu.Unlock()
	if !registered {
		t.Fatalf("expected Spawn to register %s in the session table before returning", handle.ID)
	}

	select {
	case closedID := <-h.closed:
		if closedID != handle.ID {
			t.Errorf("expected the driven session to be %s, got %s", handle.ID, closedID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the background Drive goroutine to run the turn to completion")
	}
}

func TestDaemonBackendListSessionsFilter(t *testing.T) {
	b := testBackend(t)
	b.sessions["s1"] = descartes.SessionHandle{ID: "s1", Config: descartes.SessionConfig{Category: "searcher"}}
	b.sessions["s2"] = descartes.SessionHandle{ID: "s2", Config: descartes.SessionConfig{Category: "coder"}}

	handles, err := b.ListSessions(context.Background(), "coder")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(handles) != 1 || handles[0].ID != "s2" {
		t.Fatalf("ListSessions(%q) = %+v, want just s2", "coder", handles)
	}
}

func TestDaemonBackendGetStateFromSessionTable(t *testing.T) {
	b := testBackend(t)
	want := descartes.SessionHandle{ID: "s1", Config: descartes.SessionConfig{Model: "opus"}}
	b.sessions["s1"] = want

	got, err := b.GetState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	handle, ok := got.(descartes.SessionHandle)
	if !ok || handle.ID != "s1" {
		t.Fatalf("GetState(s1) = %+v, want session handle s1", got)
	}
}

func TestDaemonBackendGetStateFromLeases(t *testing.T) {
	b := testBackend(t)
	if _, err := b.leases.Acquire(context.Background(), "/repo/main.go", "agent-a", time.Minute, 1, 0, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got, err := b.GetState(context.Background(), "/repo/main.go")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	leases, ok := got.([]*lease.Lease)
	if !ok || len(leases) != 1 {
		t.Fatalf("GetState(/repo/main.go) = %+v, want one lease", got)
	}
}

func TestDaemonBackendGetStateAggregate(t *testing.T) {
	b := testBackend(t)
	b.sessions["s1"] = descartes.SessionHandle{ID: "s1"}
	if _, err := b.leases.Acquire(context.Background(), "/repo/a.go", "agent-a", time.Minute, 1, 0, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := b.graph.AddNode(&dag.Task{ID: "t1"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	got, err := b.GetState(context.Background(), "")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	status, ok := got.(daemonStatus)
	if !ok {
		t.Fatalf("GetState(\"\") = %T, want daemonStatus", got)
	}
	if status.Sessions != 1 || status.OpenLeases != 1 || status.ReadyTasks != 1 {
		t.Fatalf("daemonStatus = %+v, want sessions=1 open_leases=1 ready_tasks=1", status)
	}
}

func TestDaemonBackendGetStateNotFound(t *testing.T) {
	b := testBackend(t)
	if _, err := b.GetState(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestDaemonBackendTaskCompleteAndApprove(t *testing.T) {
	b := testBackend(t)
	if err := b.graph.AddNode(&dag.Task{ID: "t1"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if err := b.Approve(context.Background(), "t1", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	ready, err := b.TasksReady(context.Background())
	if err != nil {
		t.Fatalf("TasksReady: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("TasksReady after deny = %+v, want none ready", ready)
	}

	if err := b.TaskComplete(context.Background(), "t1"); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}
}
