package dnc

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

const (
	defaultUploadListLimit = 20
	maxUploadListLimit     = 100
)

// AddOptOut records a permanent internal opt-out, reactivating a removed one
func (s *service) AddOptOut(ctx context.Context, req AddOptOutRequest) (*dnc.PermanentOptOut, error) {
	phone, err := values.NewPhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	optOut, err := dnc.NewPermanentOptOut(req.TenantScope, phone, req.Reason, req.RequestMethod, s.now())
	if err != nil {
		return nil, err
	}
	optOut.ContactRef = strings.TrimSpace(req.ContactRef)
	optOut.Notes = strings.TrimSpace(req.Notes)

	stored, err := s.store.OptOuts.Add(ctx, optOut)
	if err != nil {
		return nil, storeError(err, "failed to add opt-out")
	}
	s.invalidateCache(ctx)

	telemetry.WithTrace(ctx, s.logger).Info("internal opt-out added",
		zap.String("tenant_scope", stored.TenantScope),
		zap.String("opt_out_id", stored.ID.String()),
		zap.String("request_method", string(stored.RequestMethod)))
	return stored, nil
}

// RemoveOptOut revokes an active opt-out, keeping the record as history
func (s *service) RemoveOptOut(ctx context.Context, req RemoveOptOutRequest) (*dnc.PermanentOptOut, error) {
	phone, err := values.NewPhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if req.TenantScope == dnc.GlobalScope {
		return nil, errors.NewValidationError("TENANT_REQUIRED", "internal opt-outs must be tenant scoped")
	}
	if strings.TrimSpace(req.RemovedBy) == "" {
		return nil, errors.NewValidationError("REMOVED_BY_REQUIRED", "removedBy is required")
	}

	removed, err := s.store.OptOuts.Remove(ctx, req.TenantScope, phone,
		strings.TrimSpace(req.RemovedBy), strings.TrimSpace(req.RemovedReason), s.now())
	if err != nil {
		return nil, storeError(err, "failed to remove opt-out")
	}
	s.invalidateCache(ctx)

	telemetry.WithTrace(ctx, s.logger).Info("internal opt-out removed",
		zap.String("tenant_scope", removed.TenantScope),
		zap.String("opt_out_id", removed.ID.String()),
		zap.String("removed_by", removed.RemovedBy))
	return removed, nil
}

// GetOptOut returns an opt-out record, active or removed
func (s *service) GetOptOut(ctx context.Context, tenantScope, phone string) (*dnc.PermanentOptOut, error) {
	number, err := values.NewPhoneNumber(phone)
	if err != nil {
		return nil, err
	}
	optOut, err := s.store.OptOuts.FindByPhone(ctx, tenantScope, number)
	if err != nil {
		return nil, storeError(err, "failed to read opt-out")
	}
	return optOut, nil
}

// Stats counts enforced entries per source visible to tenantScope
func (s *service) Stats(ctx context.Context, tenantScope string) (*dnc.SourceStats, error) {
	now := s.now()
	counts, err := s.store.Suppressions.CountBySource(ctx, tenantScope, now)
	if err != nil {
		return nil, storeError(err, "failed to count suppression entries")
	}

	stats := &dnc.SourceStats{TenantScope: tenantScope, GeneratedAt: now}
	for source, n := range counts {
		stats.Add(source, n)
	}

	if tenantScope != dnc.GlobalScope {
		active, err := s.store.OptOuts.CountActive(ctx, tenantScope)
		if err != nil {
			return nil, storeError(err, "failed to count opt-outs")
		}
		stats.Add(values.ListSourceInternal, active)
	}
	return stats, nil
}

// GetUpload returns one batch of the tenant
func (s *service) GetUpload(ctx context.Context, tenantScope string, id uuid.UUID) (*dnc.UploadBatch, error) {
	batch, err := s.store.Batches.GetByID(ctx, tenantScope, id)
	if err != nil {
		return nil, storeError(err, "failed to read upload batch")
	}
	return batch, nil
}

// ListUploads returns the tenant's most recent batches
func (s *service) ListUploads(ctx context.Context, tenantScope string, limit int) ([]*dnc.UploadBatch, error) {
	switch {
	case limit <= 0:
		limit = defaultUploadListLimit
	case limit > maxUploadListLimit:
		limit = maxUploadListLimit
	}
	batches, err := s.store.Batches.List(ctx, tenantScope, limit)
	if err != nil {
		return nil, storeError(err, "failed to list upload batches")
	}
	return batches, nil
}

// StaleUploads returns the tenant's batches stuck in PROCESSING
func (s *service) StaleUploads(ctx context.Context, tenantScope string) ([]*dnc.UploadBatch, error) {
	stale, err := s.store.Batches.FindStale(ctx, s.now().Add(-s.config.StaleBatchAfter))
	if err != nil {
		return nil, storeError(err, "failed to find stale upload batches")
	}

	owned := make([]*dnc.UploadBatch, 0, len(stale))
	for _, b := range stale {
		if b.TenantScope == tenantScope {
			owned = append(owned, b)
		}
	}
	return owned, nil
}

// RollbackUpload deletes the entries a batch created. The ledger record stays.
func (s *service) RollbackUpload(ctx context.Context, tenantScope string, id uuid.UUID) (int64, error) {
	batch, err := s.store.Batches.GetByID(ctx, tenantScope, id)
	if err != nil {
		return 0, storeError(err, "failed to read upload batch")
	}

	deleted, err := s.store.Suppressions.DeleteByBatch(ctx, tenantScope, batch.ID)
	if err != nil {
		return 0, storeError(err, "failed to roll back upload batch")
	}
	if deleted > 0 {
		s.invalidateCache(ctx)
	}

	telemetry.WithTrace(ctx, s.logger).Info("upload batch rolled back",
		zap.String("batch_id", batch.ID.String()),
		zap.String("tenant_scope", tenantScope),
		zap.Int64("deleted", deleted))
	return deleted, nil
}
