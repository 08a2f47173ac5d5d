package dnc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// UpsertResult reports the outcome of a bulk suppression write
type UpsertResult struct {
	Inserted   int
	Duplicates int
}

// SuppressionRepository stores registry entries.
// Every read applies the logical expiry filter so an expired entry never
// suppresses a call, even before the sweeper has physically removed it.
type SuppressionRepository interface {
	// UpsertBatch inserts entries, counting rows that collide with an
	// existing (phone, tenant scope, source) key as duplicates. The write is
	// a single transaction.
	UpsertBatch(ctx context.Context, entries []*SuppressionEntry) (*UpsertResult, error)

	// FindActive returns entries for phone visible to tenantScope
	// (global rows plus the tenant's own) with ExpiryDate after now.
	FindActive(ctx context.Context, tenantScope string, phone values.PhoneNumber, now time.Time) ([]*SuppressionEntry, error)

	// DeleteExpired removes entries with ExpiryDate at or before before
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// DeleteByBatch removes entries created by one upload of tenantScope
	DeleteByBatch(ctx context.Context, tenantScope string, batchID uuid.UUID) (int64, error)

	// CountBySource counts unexpired entries visible to tenantScope
	CountBySource(ctx context.Context, tenantScope string, now time.Time) (map[values.ListSource]int64, error)
}

// OptOutRepository stores permanent internal opt-outs
type OptOutRepository interface {
	// Add inserts an opt-out, or reactivates a previously removed one.
	// An already active opt-out yields a DUPLICATE_ENTRY error.
	Add(ctx context.Context, optOut *PermanentOptOut) (*PermanentOptOut, error)

	// FindByPhone returns the record, active or removed, or NOT_FOUND
	FindByPhone(ctx context.Context, tenantScope string, phone values.PhoneNumber) (*PermanentOptOut, error)

	// Remove revokes an active opt-out. Missing or already removed records yield NOT_FOUND.
	Remove(ctx context.Context, tenantScope string, phone values.PhoneNumber, removedBy, reason string, at time.Time) (*PermanentOptOut, error)

	// CountActive counts enforced opt-outs of a tenant
	CountActive(ctx context.Context, tenantScope string) (int64, error)
}

// UploadBatchRepository is the upload ledger
type UploadBatchRepository interface {
	Create(ctx context.Context, batch *UploadBatch) error

	// Finalize persists counts and terminal status. Only PROCESSING
	// batches may be finalized.
	Finalize(ctx context.Context, batch *UploadBatch) error

	GetByID(ctx context.Context, tenantScope string, id uuid.UUID) (*UploadBatch, error)
	List(ctx context.Context, tenantScope string, limit int) ([]*UploadBatch, error)

	// FindStale returns PROCESSING batches uploaded before olderThan, across tenants
	FindStale(ctx context.Context, olderThan time.Time) ([]*UploadBatch, error)
}

// Store groups the registry repositories
type Store struct {
	Suppressions SuppressionRepository
	OptOuts      OptOutRepository
	Batches      UploadBatchRepository
}
