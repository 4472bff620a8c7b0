// Package observer provides OTEL-based observability for a Descartes
// daemon. It wraps the Proxy, RPC Backend, File Lease Manager, and Task
// DAG with instrumented decorators that emit traces, metrics, and
// structured logs via OpenTelemetry. Export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	descartesLog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/descartes-run/descartes/observer"

// Instruments holds every OTEL instrument used by the observer decorators.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger descartesLog.Logger

	// Proxy / session counters
	SessionsSpawned metric.Int64Counter
	SubagentSpawns  metric.Int64Counter
	SubagentBlocked metric.Int64Counter
	ToolCalls       metric.Int64Counter

	// Durations
	SessionDuration metric.Float64Histogram

	// File Lease Manager
	LeasesGranted metric.Int64Counter
	LeasesDenied  metric.Int64Counter

	// Task DAG & Wave Scheduler
	WavesComputed metric.Int64Counter

	// Iterative Loop Driver
	LoopIterations metric.Int64Counter

	// RPC Control Plane
	RPCRequests metric.Int64Counter
	RPCErrors   metric.Int64Counter
	RPCDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc). Returns a shutdown function that
// must be called on daemon exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("descartes")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	sessionsSpawned, err := meter.Int64Counter("descartes.sessions.spawned",
		metric.WithDescription("Sessions started through the proxy"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	subagentSpawns, err := meter.Int64Counter("descartes.subagent.spawns",
		metric.WithDescription("Sub-agent spawn requests that were run"),
		metric.WithUnit("{spawn}"))
	if err != nil {
		return nil, err
	}

	subagentBlocked, err := meter.Int64Counter("descartes.subagent.blocked",
		metric.WithDescription("Sub-agent spawn requests blocked by the nesting bound"),
		metric.WithUnit("{spawn}"))
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("descartes.session.tool_calls",
		metric.WithDescription("Tool calls observed across finished sessions"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	sessionDuration, err := meter.Float64Histogram("descartes.session.duration",
		metric.WithDescription("Session run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	leasesGranted, err := meter.Int64Counter("descartes.lease.granted",
		metric.WithDescription("File leases granted"),
		metric.WithUnit("{lease}"))
	if err != nil {
		return nil, err
	}

	leasesDenied, err := meter.Int64Counter("descartes.lease.denied",
		metric.WithDescription("File lease acquisitions that failed or timed out"),
		metric.WithUnit("{lease}"))
	if err != nil {
		return nil, err
	}

	wavesComputed, err := meter.Int64Counter("descartes.dag.waves_computed",
		metric.WithDescription("Wave-scheduler recomputations"),
		metric.WithUnit("{wave}"))
	if err != nil {
		return nil, err
	}

	loopIterations, err := meter.Int64Counter("descartes.loop.iterations",
		metric.WithDescription("Iterative loop driver iterations run"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	rpcRequests, err := meter.Int64Counter("descartes.rpc.requests",
		metric.WithDescription("RPC control-plane requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	rpcErrors, err := meter.Int64Counter("descartes.rpc.errors",
		metric.WithDescription("RPC control-plane requests that returned an error"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	rpcDuration, err := meter.Float64Histogram("descartes.rpc.duration",
		metric.WithDescription("RPC control-plane handler duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		SessionsSpawned: sessionsSpawned,
		SubagentSpawns:  subagentSpawns,
		SubagentBlocked: subagentBlocked,
		ToolCalls:       toolCalls,
		SessionDuration: sessionDuration,
		LeasesGranted:   leasesGranted,
		LeasesDenied:    leasesDenied,
		WavesComputed:   wavesComputed,
		LoopIterations:  loopIterations,
		RPCRequests:     rpcRequests,
		RPCErrors:       rpcErrors,
		RPCDuration:     rpcDuration,
	}, nil
}
