// Package telemetry holds the OpenTelemetry metric instruments. One Metrics
// value is built at startup and threaded through the components that record
// on it; a zero value is a safe no-op so unit tests need no meter.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments the pipeline records on.
type Metrics struct {
	eventsIngested metric.Int64Counter
	mirrorsWritten metric.Int64Counter
	writeFailures  metric.Int64Counter
	discrepancies  metric.Int64Counter
	tokenRefreshes metric.Int64Counter
	solverLatency  metric.Float64Histogram
}

// New builds the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.eventsIngested, err = meter.Int64Counter("facet.events.ingested",
		metric.WithDescription("Canonical events created or updated from provider deltas")); err != nil {
		return nil, fmt.Errorf("create ingest counter: %w", err)
	}
	if m.mirrorsWritten, err = meter.Int64Counter("facet.mirrors.written",
		metric.WithDescription("Mirror events written into target calendars")); err != nil {
		return nil, fmt.Errorf("create mirror counter: %w", err)
	}
	if m.writeFailures, err = meter.Int64Counter("facet.mirrors.write_failures",
		metric.WithDescription("Mirror writes that ended in ERROR")); err != nil {
		return nil, fmt.Errorf("create write failure counter: %w", err)
	}
	if m.discrepancies, err = meter.Int64Counter("facet.reconcile.discrepancies",
		metric.WithDescription("Drift discrepancies found by the reconcile worker, by kind")); err != nil {
		return nil, fmt.Errorf("create discrepancy counter: %w", err)
	}
	if m.tokenRefreshes, err = meter.Int64Counter("facet.tokens.refreshes",
		metric.WithDescription("Access token refreshes, by outcome")); err != nil {
		return nil, fmt.Errorf("create refresh counter: %w", err)
	}
	if m.solverLatency, err = meter.Float64Histogram("facet.solver.latency",
		metric.WithDescription("Scheduling solve duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create solver histogram: %w", err)
	}
	return m, nil
}

// EventsIngested adds n to the ingest counter.
func (m *Metrics) EventsIngested(ctx context.Context, n int64) {
	if m == nil || m.eventsIngested == nil {
		return
	}
	m.eventsIngested.Add(ctx, n)
}

// MirrorWritten counts one successful mirror write.
func (m *Metrics) MirrorWritten(ctx context.Context, provider string) {
	if m == nil || m.mirrorsWritten == nil {
		return
	}
	m.mirrorsWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// WriteFailure counts one mirror write that ended in ERROR.
func (m *Metrics) WriteFailure(ctx context.Context, provider string) {
	if m == nil || m.writeFailures == nil {
		return
	}
	m.writeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// Discrepancy counts one reconcile discrepancy of the given kind.
func (m *Metrics) Discrepancy(ctx context.Context, kind string) {
	if m == nil || m.discrepancies == nil {
		return
	}
	m.discrepancies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TokenRefresh counts one refresh attempt.
func (m *Metrics) TokenRefresh(ctx context.Context, provider string, ok bool) {
	if m == nil || m.tokenRefreshes == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("ok", ok),
	))
}

// SolveDuration records one scheduling solve.
func (m *Metrics) SolveDuration(ctx context.Context, d time.Duration, solver string) {
	if m == nil || m.solverLatency == nil {
		return
	}
	m.solverLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("solver", solver)))
}
