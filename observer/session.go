package observer

import (
	"context"
	"time"

	"github.com/descartes-run/descartes"
	"github.com/descartes-run/descartes/proxy"

	"go.opentelemetry.io/otel/codes"
	descartesLog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProxy wraps a proxy.Proxy with OTEL instrumentation, emitting a
// span, a duration histogram, and session counters for every session it
// runs to completion.
type ObservedProxy struct {
	inner *proxy.Proxy
	inst  *Instruments
}

// WrapProxy returns an instrumented proxy.
func WrapProxy(inner *proxy.Proxy, inst *Instruments) *ObservedProxy {
	return &ObservedProxy{inner: inner, inst: inst}
}

// StartSession instruments proxy.Proxy.StartSession: allocating a handle
// and opening a transcript is fast enough that it doesn't warrant its own
// span, but callers (notably the RPC spawn method) need it split from the
// session's turn so they can return the handle before the turn finishes.
func (o *ObservedProxy) StartSession(ctx context.Context, cfg descartes.SessionConfig, parentTranscriptID string) (descartes.SessionHandle, error) {
	return o.inner.StartSession(ctx, cfg, parentTranscriptID)
}

// Drive instruments proxy.Proxy.Drive: one span per turn plus counters for
// sessions spawned and tool calls observed, recorded against the
// session's resolved model and category. This is where RunSession's
// instrumentation actually lives; RunSession is StartSession plus Drive.
func (o *ObservedProxy) Drive(ctx context.Context, session descartes.SessionHandle, prompt string, depth int) (descartes.SubagentResult, error) {
	cfg := session.Config
	ctx, span := o.inst.Tracer.Start(ctx, "session.run", trace.WithAttributes(
		AttrSessionModel.String(cfg.Model),
		AttrCategory.String(cfg.Category),
		AttrSubagentDepth.Int(depth),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Drive(ctx, session, prompt, depth)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil || !result.Success {
		status = "error"
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, result.Reason)
	}

	span.SetAttributes(
		AttrSessionID.String(result.SessionID),
		AttrSessionStatus.String(status),
		AttrToolCallCount.Int(result.Metrics.ToolCalls),
	)

	attrs := metric.WithAttributes(
		AttrSessionModel.String(cfg.Model),
		AttrCategory.String(cfg.Category),
	)
	o.inst.SessionsSpawned.Add(ctx, 1, attrs)
	o.inst.SessionDuration.Record(ctx, durationMs, attrs)
	if result.Metrics.ToolCalls > 0 {
		o.inst.ToolCalls.Add(ctx, int64(result.Metrics.ToolCalls), attrs)
	}
	if depth > 0 {
		o.inst.SubagentSpawns.Add(ctx, 1, attrs)
	}

	var rec descartesLog.Record
	rec.SetSeverity(descartesLog.SeverityInfo)
	rec.SetBody(descartesLog.StringValue("session completed"))
	rec.AddAttributes(
		descartesLog.String("session.id", result.SessionID),
		descartesLog.String("session.model", cfg.Model),
		descartesLog.String("category", cfg.Category),
		descartesLog.Int("session.tool_calls", result.Metrics.ToolCalls),
		descartesLog.Float64("session.duration_ms", durationMs),
		descartesLog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// RunSession instruments a session run start to finish: StartSession
// followed immediately by Drive. Callers that need the handle back before
// the turn completes should call the two separately instead.
func (o *ObservedProxy) RunSession(ctx context.Context, cfg descartes.SessionConfig, prompt string, depth int, parentTranscriptID string) (descartes.SubagentResult, error) {
	session, err := o.StartSession(ctx, cfg, parentTranscriptID)
	if err != nil {
		return descartes.SubagentResult{}, err
	}
	return o.Drive(ctx, session, prompt, depth)
}

// RunBatch instruments proxy.Proxy.RunBatch, recording a blocked-subagent
// count for every entry that failed to run (a spawn beyond the nesting
// bound injects a failure result rather than returning an error).
func (o *ObservedProxy) RunBatch(ctx context.Context, parentTranscriptID string, requests []proxy.BatchRequest) []proxy.BatchResult {
	ctx, span := o.inst.Tracer.Start(ctx, "session.run_batch", trace.WithAttributes(
		AttrTaskCount.Int(len(requests)),
	))
	defer span.End()

	results := o.inner.RunBatch(ctx, parentTranscriptID, requests)

	blocked := 0
	for _, r := range results {
		if r.Err != nil || !r.Result.Success {
			blocked++
		}
	}
	if blocked > 0 {
		o.inst.SubagentBlocked.Add(ctx, int64(blocked))
	}
	span.SetAttributes(AttrSubagentDepth.Int(1))
	return results
}
