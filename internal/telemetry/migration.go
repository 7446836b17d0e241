package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const migrationScopeName = "github.com/arkfield/shuttle/migration"

// migrationInstruments holds the engine-wide counters. Built once on first
// use so instruments bind to whatever provider Init installed.
type migrationInstruments struct {
	batches     metric.Int64Counter
	records     metric.Int64Counter
	failures    metric.Int64Counter
	batchDur    metric.Float64Histogram
	throttles   metric.Int64Counter
	parallelism metric.Int64Gauge
	phaseDur    metric.Float64Histogram
}

var (
	migOnce sync.Once
	mig     *migrationInstruments
)

func migration() *migrationInstruments {
	migOnce.Do(func() {
		m := Meter(migrationScopeName)
		batches, _ := m.Int64Counter("shuttle.bulk.batches",
			metric.WithDescription("Bulk batches completed"),
		)
		records, _ := m.Int64Counter("shuttle.bulk.records",
			metric.WithDescription("Records written by bulk operations"),
		)
		failures, _ := m.Int64Counter("shuttle.bulk.failures",
			metric.WithDescription("Records that failed inside bulk operations"),
		)
		batchDur, _ := m.Float64Histogram("shuttle.bulk.batch.duration",
			metric.WithDescription("Server time per bulk batch in milliseconds"),
			metric.WithUnit("ms"),
		)
		throttles, _ := m.Int64Counter("shuttle.throttle.events",
			metric.WithDescription("Service-protection rejections observed"),
		)
		parallelism, _ := m.Int64Gauge("shuttle.rate.parallelism",
			metric.WithDescription("Current adaptive parallelism"),
		)
		phaseDur, _ := m.Float64Histogram("shuttle.import.phase.duration",
			metric.WithDescription("Import phase duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		mig = &migrationInstruments{
			batches:     batches,
			records:     records,
			failures:    failures,
			batchDur:    batchDur,
			throttles:   throttles,
			parallelism: parallelism,
			phaseDur:    phaseDur,
		}
	})
	return mig
}

// RecordBatch counts one completed bulk batch. No-op when telemetry is off.
func RecordBatch(ctx context.Context, operation, entity string, succeeded, failed int, elapsed time.Duration) {
	if !Enabled() {
		return
	}
	m := migration()
	attrs := metric.WithAttributes(
		attribute.String("shuttle.operation", operation),
		attribute.String("shuttle.entity", entity),
	)
	m.batches.Add(ctx, 1, attrs)
	m.records.Add(ctx, int64(succeeded), attrs)
	if failed > 0 {
		m.failures.Add(ctx, int64(failed), attrs)
	}
	m.batchDur.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordThrottle counts one service-protection rejection.
func RecordThrottle(ctx context.Context, source, code string) {
	if !Enabled() {
		return
	}
	migration().throttles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shuttle.source", source),
		attribute.String("shuttle.code", code),
	))
}

// RecordParallelism snapshots the controller's current admission width.
func RecordParallelism(ctx context.Context, p int) {
	if !Enabled() {
		return
	}
	migration().parallelism.Record(ctx, int64(p))
}

// RecordPhase times one completed import phase.
func RecordPhase(ctx context.Context, phase string, elapsed time.Duration) {
	if !Enabled() {
		return
	}
	migration().phaseDur.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("shuttle.phase", phase),
	))
}

// PoolStats is the snapshot ObservePool reads on each metric collection.
type PoolStats struct {
	Active int
	Idle   int
}

// ObservePool registers active/idle connection gauges backed by stats.
// The returned stop function unregisters the callback; call it when the
// pool closes. Both are no-ops when telemetry is off.
func ObservePool(stats func() PoolStats) (stop func()) {
	if !Enabled() {
		return func() {}
	}
	m := Meter(migrationScopeName)
	active, err := m.Int64ObservableGauge("shuttle.pool.active",
		metric.WithDescription("Connections handed out right now"),
	)
	if err != nil {
		return func() {}
	}
	idle, err := m.Int64ObservableGauge("shuttle.pool.idle",
		metric.WithDescription("Idle pooled connections"),
	)
	if err != nil {
		return func() {}
	}
	reg, err := m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(active, int64(s.Active))
		o.ObserveInt64(idle, int64(s.Idle))
		return nil
	}, active, idle)
	if err != nil {
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}
