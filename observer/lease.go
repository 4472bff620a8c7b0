package observer

import (
	"context"
	"time"

	"github.com/descartes-run/descartes/lease"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedLeaseManager wraps a lease.Manager with OTEL instrumentation,
// recording a grant/deny counter for every acquisition attempt.
type ObservedLeaseManager struct {
	inner *lease.Manager
	inst  *Instruments
}

// WrapLeaseManager returns an instrumented lease manager.
func WrapLeaseManager(inner *lease.Manager, inst *Instruments) *ObservedLeaseManager {
	return &ObservedLeaseManager{inner: inner, inst: inst}
}

// Acquire instruments lease.Manager.Acquire.
func (o *ObservedLeaseManager) Acquire(ctx context.Context, path, agent string, ttl time.Duration, maxRenewals int, timeout time.Duration, blocking bool) (*lease.Lease, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "lease.acquire", trace.WithAttributes(
		AttrLeasePath.String(path),
		AttrLeaseHolder.String(agent),
	))
	defer span.End()

	l, err := o.inner.Acquire(ctx, path, agent, ttl, maxRenewals, timeout, blocking)

	result := "granted"
	if err != nil {
		result = "denied"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrLeaseResult.String(result))

	attrs := metric.WithAttributes(AttrLeasePath.String(path))
	if err != nil {
		o.inst.LeasesDenied.Add(ctx, 1, attrs)
	} else {
		o.inst.LeasesGranted.Add(ctx, 1, attrs)
	}

	return l, err
}

// Release is a pass-through to lease.Manager.Release; it records no
// span or metric.
func (o *ObservedLeaseManager) Release(id, agent string) error {
	return o.inner.Release(id, agent)
}

// Renew is a pass-through to lease.Manager.Renew; it records no span or
// metric.
func (o *ObservedLeaseManager) Renew(id, agent string, newTTL time.Duration) (*lease.Lease, error) {
	return o.inner.Renew(id, agent, newTTL)
}

// GetFileLeases is a pass-through to lease.Manager.GetFileLeases, exposed
// so callers that only hold the observed wrapper can still inspect lease
// state for a path.
func (o *ObservedLeaseManager) GetFileLeases(path string) []*lease.Lease {
	return o.inner.GetFileLeases(path)
}

// ActiveCount is a pass-through to lease.Manager.ActiveCount.
func (o *ObservedLeaseManager) ActiveCount() int {
	return o.inner.ActiveCount()
}
