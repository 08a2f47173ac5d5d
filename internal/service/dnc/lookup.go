package dnc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

// Check answers whether phone may be called by tenantScope
func (s *service) Check(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, error) {
	ctx, span := s.tracer.Start(ctx, "dnc.Check")
	defer span.End()

	number, err := values.NewPhoneNumber(phone)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	status, err := s.lookup(ctx, tenantScope, number)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("dnc.blocked", status.IsOnDNC),
		attribute.String("dnc.source", string(status.Source)),
		attribute.Bool("dnc.cached", status.Cached),
	)
	return &status, nil
}

// CheckBatch checks many numbers concurrently, bounded by BatchConcurrency
func (s *service) CheckBatch(ctx context.Context, tenantScope string, phones []string) ([]dnc.DNCStatus, error) {
	if len(phones) == 0 {
		return nil, errors.NewValidationError(errors.ErrCodeValidation, "at least one phone number is required")
	}
	if len(phones) > s.config.MaxBatchCheck {
		return nil, errors.NewBatchTooLargeError(len(phones), s.config.MaxBatchCheck)
	}

	ctx, span := s.tracer.Start(ctx, "dnc.CheckBatch", trace.WithAttributes(
		attribute.Int("dnc.batch_size", len(phones)),
	))
	defer span.End()

	results := make([]dnc.DNCStatus, len(phones))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)

	for i, raw := range phones {
		number, err := values.NewPhoneNumber(raw)
		if err != nil {
			results[i] = dnc.DNCStatus{
				PhoneNumber: raw,
				CheckedAt:   s.now(),
				Error:       errors.ErrCodeInvalidFormat,
			}
			continue
		}

		g.Go(func() error {
			status, err := s.lookup(gctx, tenantScope, number)
			if err != nil {
				return err
			}
			results[i] = status
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return results, nil
}

// lookup resolves a normalized number, consulting the status cache first
func (s *service) lookup(ctx context.Context, tenantScope string, phone values.PhoneNumber) (dnc.DNCStatus, error) {
	start := time.Now()

	epoch := int64(-1)
	if s.cache != nil {
		cached, readEpoch, ok := s.cache.Get(ctx, tenantScope, phone.String())
		if ok {
			s.metrics.RecordCacheHit(ctx)
			return *cached, nil
		}
		epoch = readEpoch
	}

	status, err := s.resolve(ctx, tenantScope, phone, s.now())
	if err != nil {
		return dnc.DNCStatus{}, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, epoch, tenantScope, status)
	}
	s.metrics.RecordCheck(ctx, status.IsOnDNC, string(status.Source),
		float64(time.Since(start).Microseconds())/1000)
	return status, nil
}

// resolve applies source precedence: an active internal opt-out first, then
// the national list, the state list of the number's area code, and finally
// the tenant's own uploaded list.
func (s *service) resolve(ctx context.Context, tenantScope string, phone values.PhoneNumber, now time.Time) (dnc.DNCStatus, error) {
	if tenantScope != dnc.GlobalScope {
		optOut, err := s.store.OptOuts.FindByPhone(ctx, tenantScope, phone)
		switch {
		case err == nil && optOut.IsActive():
			return dnc.StatusFromOptOut(optOut, now), nil
		case err != nil && !errors.IsType(err, errors.ErrorTypeNotFound):
			return dnc.DNCStatus{}, storeError(err, "failed to read internal opt-outs")
		}
	}

	entries, err := s.store.Suppressions.FindActive(ctx, tenantScope, phone, now)
	if err != nil {
		return dnc.DNCStatus{}, storeError(err, "failed to read suppression entries")
	}

	if entry := selectEntry(entries, tenantScope, phone.State(), now); entry != nil {
		return dnc.StatusFromEntry(entry, now), nil
	}
	return dnc.SafeStatus(phone.String(), now), nil
}

// selectEntry picks the highest precedence entry that applies. Entries are
// re-filtered for expiry and scope so a lax store cannot widen a block.
func selectEntry(entries []*dnc.SuppressionEntry, tenantScope, state string, now time.Time) *dnc.SuppressionEntry {
	var national, stateList, manual *dnc.SuppressionEntry
	for _, e := range entries {
		if e.IsExpired(now) || !e.VisibleTo(tenantScope) {
			continue
		}
		switch e.Source {
		case values.ListSourceNational:
			if national == nil {
				national = e
			}
		case values.ListSourceState:
			// unknown area codes infer no state and never match
			if stateList == nil && state != "" && e.State == state {
				stateList = e
			}
		case values.ListSourceManualUpload:
			if manual == nil && tenantScope != dnc.GlobalScope && e.TenantScope == tenantScope {
				manual = e
			}
		}
	}

	switch {
	case national != nil:
		return national
	case stateList != nil:
		return stateList
	default:
		return manual
	}
}
