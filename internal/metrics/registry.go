package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the compliance engine's otel instruments
type Registry struct {
	meter metric.Meter

	// Lookup metrics
	CheckDuration metric.Float64Histogram
	CheckResults  metric.Int64Counter
	CacheHits     metric.Int64Counter

	// Ingestion metrics
	IngestRows     metric.Int64Counter
	IngestDuration metric.Float64Histogram
	UploadBatches  metric.Int64Counter

	// Lifecycle metrics
	SweepDeleted      metric.Int64Counter
	StaleBatches      metric.Int64Counter
	LastSweepDeletion metric.Int64ObservableGauge

	// Gate metrics
	GateDecisions metric.Int64Counter
	GateFailOpen  metric.Int64Counter

	lastSweepDeleted atomic.Int64
}

// NewRegistry creates a registry on the global meter provider
func NewRegistry(meterName string) (*Registry, error) {
	return NewRegistryWithMeter(otel.Meter(meterName))
}

// NewRegistryWithMeter creates a registry on an explicit meter
func NewRegistryWithMeter(meter metric.Meter) (*Registry, error) {
	r := &Registry{meter: meter}

	if err := r.initLookupMetrics(); err != nil {
		return nil, err
	}
	if err := r.initIngestMetrics(); err != nil {
		return nil, err
	}
	if err := r.initLifecycleMetrics(); err != nil {
		return nil, err
	}
	if err := r.initGateMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initLookupMetrics() error {
	var err error

	r.CheckDuration, err = r.meter.Float64Histogram(
		"dnc.check.duration",
		metric.WithDescription("Duration of a single DNC lookup in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return err
	}

	r.CheckResults, err = r.meter.Int64Counter(
		"dnc.check.results_total",
		metric.WithDescription("DNC lookups by outcome and blocking source"),
	)
	if err != nil {
		return err
	}

	r.CacheHits, err = r.meter.Int64Counter(
		"dnc.check.cache_hits_total",
		metric.WithDescription("DNC lookups answered from the status cache"),
	)
	return err
}

func (r *Registry) initIngestMetrics() error {
	var err error

	r.IngestRows, err = r.meter.Int64Counter(
		"dnc.ingest.rows_total",
		metric.WithDescription("Uploaded rows by outcome"),
	)
	if err != nil {
		return err
	}

	r.IngestDuration, err = r.meter.Float64Histogram(
		"dnc.ingest.duration",
		metric.WithDescription("Upload processing time in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000),
	)
	if err != nil {
		return err
	}

	r.UploadBatches, err = r.meter.Int64Counter(
		"dnc.ingest.batches_total",
		metric.WithDescription("Finalized upload batches by status"),
	)
	return err
}

func (r *Registry) initLifecycleMetrics() error {
	var err error

	r.SweepDeleted, err = r.meter.Int64Counter(
		"dnc.sweep.deleted_total",
		metric.WithDescription("Expired suppression entries physically removed"),
	)
	if err != nil {
		return err
	}

	r.StaleBatches, err = r.meter.Int64Counter(
		"dnc.sweep.stale_batches_total",
		metric.WithDescription("Upload batches found stuck in PROCESSING and failed by the sweeper"),
	)
	if err != nil {
		return err
	}

	r.LastSweepDeletion, err = r.meter.Int64ObservableGauge(
		"dnc.sweep.last_deleted",
		metric.WithDescription("Entries removed by the most recent sweep"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.lastSweepDeleted.Load())
			return nil
		}),
	)
	return err
}

func (r *Registry) initGateMetrics() error {
	var err error

	r.GateDecisions, err = r.meter.Int64Counter(
		"dnc.gate.decisions_total",
		metric.WithDescription("Filter gate decisions by outcome"),
	)
	if err != nil {
		return err
	}

	r.GateFailOpen, err = r.meter.Int64Counter(
		"dnc.gate.fail_open_total",
		metric.WithDescription("Calls allowed because the DNC status could not be determined"),
	)
	return err
}

// RecordCheck records one lookup
func (r *Registry) RecordCheck(ctx context.Context, blocked bool, source string, durationMs float64) {
	outcome := "safe"
	if blocked {
		outcome = "blocked"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	)
	r.CheckDuration.Record(ctx, durationMs, attrs)
	r.CheckResults.Add(ctx, 1, attrs)
}

// RecordCacheHit records a lookup served from cache
func (r *Registry) RecordCacheHit(ctx context.Context) {
	r.CacheHits.Add(ctx, 1)
}

// RecordIngest records a finalized upload
func (r *Registry) RecordIngest(ctx context.Context, status string, inserted, failed, duplicates int, durationMs float64) {
	r.IngestRows.Add(ctx, int64(inserted), metric.WithAttributes(attribute.String("outcome", "inserted")))
	r.IngestRows.Add(ctx, int64(failed-duplicates), metric.WithAttributes(attribute.String("outcome", "invalid")))
	r.IngestRows.Add(ctx, int64(duplicates), metric.WithAttributes(attribute.String("outcome", "duplicate")))
	r.IngestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("status", status)))
	r.UploadBatches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSweep records one completed sweep
func (r *Registry) RecordSweep(ctx context.Context, deleted int64, staleBatches int) {
	r.SweepDeleted.Add(ctx, deleted)
	r.StaleBatches.Add(ctx, int64(staleBatches))
	r.lastSweepDeleted.Store(deleted)
}

// RecordGateDecision records a gate decision; failOpen carries a reason when
// the call was allowed without a definitive answer
func (r *Registry) RecordGateDecision(ctx context.Context, allowed bool, failOpenReason string) {
	outcome := "blocked"
	if allowed {
		outcome = "allowed"
	}
	r.GateDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if failOpenReason != "" {
		r.GateFailOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", failOpenReason)))
	}
}
