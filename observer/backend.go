package observer

import (
	"context"
	"time"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/dag"
	"github.com/descartes-run/descartes/rpc"
	"github.com/descartes-run/descartes/supervisor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	descartesLog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps an rpc.Backend with OTEL instrumentation, so every
// RPC control-plane method call emits a span, a request counter, and a
// duration histogram regardless of which concrete backend answers it.
type ObservedBackend struct {
	inner rpc.Backend
	inst  *Instruments
}

// WrapBackend returns an instrumented rpc.Backend.
func WrapBackend(inner rpc.Backend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

func (o *ObservedBackend) record(ctx context.Context, span trace.Span, method string, start time.Time, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.inst.RPCErrors.Add(ctx, 1, metric.WithAttributes(AttrRPCMethod.String(method)))
	}
	span.SetAttributes(AttrRPCStatus.String(status))
	o.inst.RPCRequests.Add(ctx, 1, metric.WithAttributes(
		AttrRPCMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.RPCDuration.Record(ctx, durationMs, metric.WithAttributes(AttrRPCMethod.String(method)))

	var rec descartesLog.Record
	rec.SetSeverity(descartesLog.SeverityInfo)
	rec.SetBody(descartesLog.StringValue("rpc call completed"))
	rec.AddAttributes(
		descartesLog.String("rpc.method", method),
		descartesLog.String("status", status),
		descartesLog.Float64("rpc.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

func (o *ObservedBackend) Spawn(ctx context.Context, name string, kind descartes.HarnessKind, cfg descartes.SessionConfig) (descartes.SessionHandle, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.spawn", trace.WithAttributes(AttrHarnessKind.String(kind.String())))
	defer span.End()
	start := time.Now()
	handle, err := o.inner.Spawn(ctx, name, kind, cfg)
	o.record(ctx, span, "spawn", start, err)
	return handle, err
}

func (o *ObservedBackend) ListSessions(ctx context.Context, filter string) ([]descartes.SessionHandle, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.list_sessions")
	defer span.End()
	start := time.Now()
	handles, err := o.inner.ListSessions(ctx, filter)
	o.record(ctx, span, "list_sessions", start, err)
	return handles, err
}

func (o *ObservedBackend) Signal(ctx context.Context, sessionID string, sig supervisor.Signal) error {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.signal", trace.WithAttributes(AttrSessionID.String(sessionID)))
	defer span.End()
	start := time.Now()
	err := o.inner.Signal(ctx, sessionID, sig)
	o.record(ctx, span, "signal", start, err)
	return err
}

func (o *ObservedBackend) Tail(ctx context.Context, sessionID string, n int) ([]string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.tail", trace.WithAttributes(AttrSessionID.String(sessionID)))
	defer span.End()
	start := time.Now()
	lines, err := o.inner.Tail(ctx, sessionID, n)
	o.record(ctx, span, "tail", start, err)
	return lines, err
}

func (o *ObservedBackend) TasksReady(ctx context.Context) ([]*dag.Task, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.tasks_ready")
	defer span.End()
	start := time.Now()
	tasks, err := o.inner.TasksReady(ctx)
	o.record(ctx, span, "tasks_ready", start, err)
	return tasks, err
}

func (o *ObservedBackend) TasksWaves(ctx context.Context) ([][]*dag.Task, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.tasks_waves")
	defer span.End()
	start := time.Now()
	waves, err := o.inner.TasksWaves(ctx)
	if err == nil {
		o.inst.WavesComputed.Add(ctx, 1)
		span.SetAttributes(AttrWaveCount.Int(len(waves)))
	}
	o.record(ctx, span, "tasks_waves", start, err)
	return waves, err
}

func (o *ObservedBackend) TaskComplete(ctx context.Context, taskID string) error {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.task_complete")
	defer span.End()
	start := time.Now()
	err := o.inner.TaskComplete(ctx, taskID)
	o.record(ctx, span, "task_complete", start, err)
	return err
}

func (o *ObservedBackend) Approve(ctx context.Context, taskID string, approved bool) error {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.approve")
	defer span.End()
	start := time.Now()
	err := o.inner.Approve(ctx, taskID, approved)
	o.record(ctx, span, "approve", start, err)
	return err
}

func (o *ObservedBackend) GetState(ctx context.Context, entityID string) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "rpc.get_state")
	defer span.End()
	start := time.Now()
	state, err := o.inner.GetState(ctx, entityID)
	o.record(ctx, span, "get_state", start, err)
	return state, err
}

var _ rpc.Backend = (*ObservedBackend)(nil)
