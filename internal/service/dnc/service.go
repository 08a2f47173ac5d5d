package dnc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
)

const tracerName = "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"

// Ensure service implements the interface
var _ Service = (*service)(nil)

// service coordinates the registry repositories, the optional status cache
// and telemetry. It holds no mutable state of its own.
type service struct {
	logger  *zap.Logger
	config  config.DNCConfig
	store   *dnc.Store
	cache   StatusCache
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates the DNC compliance service. cache may be nil; registry
// defaults to a no-op meter when nil.
func NewService(
	logger *zap.Logger,
	cfg config.DNCConfig,
	store *dnc.Store,
	cache StatusCache,
	registry *metrics.Registry,
) (Service, error) {
	return newService(logger, cfg, store, cache, registry)
}

func newService(
	logger *zap.Logger,
	cfg config.DNCConfig,
	store *dnc.Store,
	cache StatusCache,
	registry *metrics.Registry,
) (*service, error) {
	if logger == nil {
		return nil, errors.NewValidationError("INVALID_LOGGER", "logger cannot be nil")
	}
	if store == nil || store.Suppressions == nil || store.OptOuts == nil || store.Batches == nil {
		return nil, errors.NewValidationError("INVALID_STORE", "registry store and all its repositories are required")
	}
	if registry == nil {
		var err error
		registry, err = metrics.NewRegistryWithMeter(noop.NewMeterProvider().Meter(tracerName))
		if err != nil {
			return nil, errors.NewInternalError("failed to create metrics registry").WithCause(err)
		}
	}

	return &service{
		logger:  logger.Named("dnc"),
		config:  withDefaults(cfg),
		store:   store,
		cache:   cache,
		metrics: registry,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}, nil
}

// withDefaults fills zero values so a partially populated config is usable
func withDefaults(cfg config.DNCConfig) config.DNCConfig {
	def := config.Defaults().DNC
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if len(cfg.AllowedMediaTypes) == 0 {
		cfg.AllowedMediaTypes = def.AllowedMediaTypes
	}
	if cfg.MaxBatchCheck <= 0 {
		cfg.MaxBatchCheck = def.MaxBatchCheck
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.StaleBatchAfter <= 0 {
		cfg.StaleBatchAfter = def.StaleBatchAfter
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	return cfg
}

// invalidateCache drops cached answers after a registry write
func (s *service) invalidateCache(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}

// storeError makes sure repository failures surface as STORE_UNAVAILABLE
func storeError(err error, message string) error {
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	return errors.NewStoreUnavailableError(message).WithCause(err)
}
