package dnc

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
)

const staleBatchReason = "processing abandoned"

// Sweeper physically removes expired suppression entries and fails upload
// batches abandoned in PROCESSING. Opt-outs are never touched. At most one
// sweep runs per process, and per deployment when a Locker is configured.
type Sweeper struct {
	logger          *zap.Logger
	store           *dnc.Store
	lock            Locker
	metrics         *metrics.Registry
	tracer          trace.Tracer
	staleAfter      time.Duration
	finalizeTimeout time.Duration
	running         atomic.Bool
	now             func() time.Time
}

// NewSweeper creates a sweeper. lock may be nil for single-instance deployments.
func NewSweeper(logger *zap.Logger, cfg config.DNCConfig, store *dnc.Store, lock Locker, registry *metrics.Registry) (*Sweeper, error) {
	if logger == nil {
		return nil, errors.NewValidationError("INVALID_LOGGER", "logger cannot be nil")
	}
	if store == nil || store.Suppressions == nil || store.Batches == nil {
		return nil, errors.NewValidationError("INVALID_STORE", "suppression and batch repositories are required")
	}
	if registry == nil {
		return nil, errors.NewValidationError("INVALID_METRICS", "metrics registry cannot be nil")
	}
	cfg = withDefaults(cfg)

	return &Sweeper{
		logger:          logger.Named("sweeper"),
		store:           store,
		lock:            lock,
		metrics:         registry,
		tracer:          otel.Tracer(tracerName),
		staleAfter:      cfg.StaleBatchAfter,
		finalizeTimeout: cfg.FinalizeTimeout,
		now:             time.Now,
	}, nil
}

// Sweep runs one pass. A call made while another pass is running returns
// immediately with Skipped set.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &SweepResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "dnc.Sweep")
	defer span.End()
	logger := telemetry.WithTrace(ctx, s.logger)

	if s.lock != nil {
		release, err := s.lock.TryAcquire(ctx)
		switch {
		case err != nil:
			// deleting expired rows is idempotent, so a lost lock only costs duplicate work
			logger.Warn("sweep lock unavailable, continuing with local guard", zap.Error(err))
		case release == nil:
			span.SetAttributes(attribute.Bool("dnc.sweep_skipped", true))
			return &SweepResult{Skipped: true}, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	deleted, err := s.store.Suppressions.DeleteExpired(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("expired entry sweep failed", zap.Int64("deleted", deleted), zap.Error(err))
		s.metrics.RecordSweep(ctx, deleted, 0)
		return nil, storeError(err, "failed to delete expired entries")
	}

	reaped, err := s.reapStaleBatches(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("stale batch reaping failed", zap.Error(err))
	}

	s.metrics.RecordSweep(ctx, deleted, reaped)
	span.SetAttributes(
		attribute.Int64("dnc.sweep_deleted", deleted),
		attribute.Int("dnc.stale_batches", reaped),
	)
	logger.Info("sweep completed",
		zap.Int64("deleted", deleted),
		zap.Int("stale_batches_failed", reaped))

	return &SweepResult{Deleted: deleted, StaleBatchesFailed: reaped}, err
}

// reapStaleBatches finalizes PROCESSING batches older than the stale threshold as FAILED
func (s *Sweeper) reapStaleBatches(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.Batches.FindStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, storeError(err, "failed to find stale upload batches")
	}

	reaped := 0
	for _, batch := range stale {
		age := now.Sub(batch.UploadDate)
		if err := batch.Fail(staleBatchReason, now); err != nil {
			continue
		}

		finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
		err := s.store.Batches.Finalize(finalizeCtx, batch)
		cancel()
		if err != nil {
			// the upload may have finished between the read and the write
			s.logger.Debug("stale batch not reaped",
				zap.String("batch_id", batch.ID.String()),
				zap.Error(err))
			continue
		}

		reaped++
		s.logger.Warn("upload batch abandoned in PROCESSING",
			zap.String("batch_id", batch.ID.String()),
			zap.String("tenant_scope", batch.TenantScope),
			zap.String("filename", batch.Filename),
			zap.Duration("age", age))
	}
	return reaped, nil
}

// Run sweeps on every tick of interval until ctx is done
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("periodic sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("periodic sweep started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic sweep failed", zap.Error(err))
			}
		}
	}
}
