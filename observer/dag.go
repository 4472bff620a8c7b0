package observer

import (
	"context"

	"github.com/descartes-run/descartes/dag"

	"go.opentelemetry.io/otel/codes"
)

// ObservedGraph wraps a dag.Graph with OTEL instrumentation, recording a
// wave-computation counter each time the schedule is recomputed.
type ObservedGraph struct {
	inner *dag.Graph
	inst  *Instruments
}

// WrapGraph returns an instrumented task graph.
func WrapGraph(inner *dag.Graph, inst *Instruments) *ObservedGraph {
	return &ObservedGraph{inner: inner, inst: inst}
}

// Waves instruments dag.Graph.Waves.
func (o *ObservedGraph) Waves(ctx context.Context) ([][]*dag.Task, error) {
	_, span := o.inst.Tracer.Start(ctx, "dag.waves")
	defer span.End()

	waves, err := o.inner.Waves()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(AttrWaveCount.Int(len(waves)))
	o.inst.WavesComputed.Add(ctx, 1)
	return waves, nil
}

// GetNext instruments dag.Graph.GetNext.
func (o *ObservedGraph) GetNext(ctx context.Context) (*dag.Task, bool) {
	_, span := o.inst.Tracer.Start(ctx, "dag.get_next")
	defer span.End()
	t, ok := o.inner.GetNext()
	if ok {
		span.SetAttributes(AttrTaskCount.Int(1))
	}
	return t, ok
}
