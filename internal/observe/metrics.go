// Package observe provides the OpenTelemetry metric instruments of the
// session service and the Prometheus bridge that exposes them on /metrics.
//
// Components take a *Metrics that may be nil; every Record method is a no-op
// on a nil receiver so tests and tools can skip metrics entirely.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/gosuda/salient"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// BatchDuration tracks Execute latency from admission to sweep.
	BatchDuration metric.Float64Histogram

	// Commands counts dispatched commands. Use with attribute:
	//   attribute.String("kind", ...)
	Commands metric.Int64Counter

	// ActiveSessions tracks cached sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Evictions counts idle sessions disposed by the sweep.
	Evictions metric.Int64Counter

	// SessionLoads counts cache misses by outcome. Use with attribute:
	//   attribute.String("result", "fresh"|"rehydrated"|"error")
	SessionLoads metric.Int64Counter

	// ReplayedEvents counts events re-applied during rehydration.
	ReplayedEvents metric.Int64Counter

	// TaskRuns counts async task submissions. Use with attribute:
	//   attribute.String("status", "scheduled"|"rejected")
	TaskRuns metric.Int64Counter

	// FlushDuration tracks one store flush cycle.
	FlushDuration metric.Float64Histogram

	// StoreWrites counts rows written. Use with attribute:
	//   attribute.String("table", "events"|"snapshots")
	StoreWrites metric.Int64Counter

	// StoreUnprocessed counts rows the backend did not accept.
	StoreUnprocessed metric.Int64Counter

	// HTTPRequestDuration tracks ingest API latency.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised Metrics using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BatchDuration, err = m.Float64Histogram("salient.batch.duration",
		metric.WithDescription("Latency of one command batch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushDuration, err = m.Float64Histogram("salient.store.flush.duration",
		metric.WithDescription("Latency of one event store flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("salient.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Commands, err = m.Int64Counter("salient.commands",
		metric.WithDescription("Dispatched commands by kind."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("salient.session.evictions",
		metric.WithDescription("Idle sessions evicted from the cache."),
	); err != nil {
		return nil, err
	}
	if met.SessionLoads, err = m.Int64Counter("salient.session.loads",
		metric.WithDescription("Session cache misses by result."),
	); err != nil {
		return nil, err
	}
	if met.ReplayedEvents, err = m.Int64Counter("salient.session.replayed_events",
		metric.WithDescription("Events replayed while rehydrating sessions."),
	); err != nil {
		return nil, err
	}
	if met.TaskRuns, err = m.Int64Counter("salient.task.runs",
		metric.WithDescription("Async task submissions by status."),
	); err != nil {
		return nil, err
	}
	if met.StoreWrites, err = m.Int64Counter("salient.store.writes",
		metric.WithDescription("Rows written by table."),
	); err != nil {
		return nil, err
	}
	if met.StoreUnprocessed, err = m.Int64Counter("salient.store.unprocessed",
		metric.WithDescription("Rows not accepted by the backend, by table."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("salient.active_sessions",
		metric.WithDescription("Sessions held in the cache."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics, created on first call
// from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordBatch(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordCommand(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) SessionAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.Evictions.Add(ctx, 1)
}

func (m *Metrics) RecordSessionLoad(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.SessionLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordReplay(ctx context.Context, events int) {
	if m == nil || events == 0 {
		return
	}
	m.ReplayedEvents.Add(ctx, int64(events))
}

func (m *Metrics) RecordTask(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TaskRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFlush records one flush cycle and the rows it wrote per table.
func (m *Metrics) RecordFlush(ctx context.Context, d time.Duration, table string, written, unprocessed int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("table", table))
	m.FlushDuration.Record(ctx, d.Seconds(), attrs)
	if written > 0 {
		m.StoreWrites.Add(ctx, int64(written), attrs)
	}
	if unprocessed > 0 {
		m.StoreUnprocessed.Add(ctx, int64(unprocessed), attrs)
	}
}

func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
