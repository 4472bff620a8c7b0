package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/dag"
	"github.com/descartes-run/descartes/errs"
	"github.com/descartes-run/descartes/supervisor"
)

// Backend is everything a Server needs to answer the §4.9 method set. A
// daemon wires a concrete implementation over its Supervisor, Proxy, DAG,
// Lease Manager, and Transcript Store.
type Backend interface {
	Spawn(ctx context.Context, name string, kind descartes.HarnessKind, cfg descartes.SessionConfig) (descartes.SessionHandle, error)
	ListSessions(ctx context.Context, filter string) ([]descartes.SessionHandle, error)
	Signal(ctx context.Context, sessionID string, sig supervisor.Signal) error
	Tail(ctx context.Context, sessionID string, n int) ([]string, error)
	TasksReady(ctx context.Context) ([]*dag.Task, error)
	TasksWaves(ctx context.Context) ([][]*dag.Task, error)
	TaskComplete(ctx context.Context, taskID string) error
	Approve(ctx context.Context, taskID string, approved bool) error
	GetState(ctx context.Context, entityID string) (any, error)
}

type spawnParams struct {
	Name   string                  `json:"name"`
	Kind   string                  `json:"kind"`
	Config descartes.SessionConfig `json:"config"`
}

type listSessionsParams struct {
	Filter string `json:"filter"`
}

type signalParams struct {
	SessionID string `json:"session_id"`
	Sig       string `json:"sig"`
}

type tailParams struct {
	SessionID string `json:"session_id"`
	N         int    `json:"n"`
}

type taskIDParams struct {
	ID string `json:"id"`
}

type approveParams struct {
	TaskID   string `json:"task_id"`
	Approved bool   `json:"approved"`
}

type getStateParams struct {
	EntityID string `json:"entity_id"`
}

func parseHarnessKind(s string) descartes.HarnessKind {
	if s == "remote" {
		return descartes.HarnessRemote
	}
	return descartes.HarnessSubprocess
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errs.Protocol("decode params", err)
	}
	return nil
}

// RegisterBackend binds each of the §4.9 methods to b on s.
func RegisterBackend(s *Server, b Backend) {
	s.Register("spawn", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p spawnParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		handle, err := b.Spawn(ctx, p.Name, parseHarnessKind(p.Kind), p.Config)
		if err != nil {
			return nil, err
		}
		return handle, nil
	})

	s.Register("list_sessions", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p listSessionsParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return b.ListSessions(ctx, p.Filter)
	})

	s.Register("signal", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p signalParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		sig, ok := supervisor.ParseSignal(p.Sig)
		if !ok {
			return nil, errs.Protocol(fmt.Sprintf("unknown signal %q", p.Sig), nil)
		}
		return nil, b.Signal(ctx, p.SessionID, sig)
	})

	s.Register("tail", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p tailParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return b.Tail(ctx, p.SessionID, p.N)
	})

	s.Register("tasks_ready", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return b.TasksReady(ctx)
	})

	s.Register("tasks_waves", func(ctx context.Context, raw json.RawMessage) (any, error) {
		return b.TasksWaves(ctx)
	})

	s.Register("task_complete", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p taskIDParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, b.TaskComplete(ctx, p.ID)
	})

	s.Register("approve", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p approveParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, b.Approve(ctx, p.TaskID, p.Approved)
	})

	s.Register("get_state", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p getStateParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return b.GetState(ctx, p.EntityID)
	})
}
