package dnc

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// Service is the DNC compliance engine: list ingestion, lookups, the
// internal opt-out list and the upload ledger.
type Service interface {
	// Ingest streams a CSV list into the registry and returns the finalized batch.
	// The batch is never left PROCESSING, even when ingestion fails midway.
	Ingest(ctx context.Context, req IngestRequest) (*dnc.UploadBatch, error)

	// Check answers whether phone may be called by tenantScope
	Check(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, error)

	// CheckBatch checks up to MaxBatchCheck numbers, preserving input order.
	// Malformed numbers produce a per-item INVALID_FORMAT status.
	CheckBatch(ctx context.Context, tenantScope string, phones []string) ([]dnc.DNCStatus, error)

	// Internal opt-out list
	AddOptOut(ctx context.Context, req AddOptOutRequest) (*dnc.PermanentOptOut, error)
	RemoveOptOut(ctx context.Context, req RemoveOptOutRequest) (*dnc.PermanentOptOut, error)
	GetOptOut(ctx context.Context, tenantScope, phone string) (*dnc.PermanentOptOut, error)

	// Stats counts enforced entries per source visible to tenantScope
	Stats(ctx context.Context, tenantScope string) (*dnc.SourceStats, error)

	// Upload ledger
	GetUpload(ctx context.Context, tenantScope string, id uuid.UUID) (*dnc.UploadBatch, error)
	ListUploads(ctx context.Context, tenantScope string, limit int) ([]*dnc.UploadBatch, error)
	StaleUploads(ctx context.Context, tenantScope string) ([]*dnc.UploadBatch, error)
	RollbackUpload(ctx context.Context, tenantScope string, id uuid.UUID) (int64, error)
}

// Checker is the lookup surface the filter gate depends on
type Checker interface {
	Check(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, error)
}

// StatusCache caches lookup answers. Implementations swallow their own
// failures; a broken cache degrades to a miss.
//
// Get reports the invalidation epoch it read, and Set must be given that
// same epoch so an answer resolved across a registry write is never served.
type StatusCache interface {
	Get(ctx context.Context, tenantScope, phone string) (status *dnc.DNCStatus, epoch int64, ok bool)
	Set(ctx context.Context, epoch int64, tenantScope string, status dnc.DNCStatus)
	Invalidate(ctx context.Context)
}

// Locker is a cross-instance mutex. A nil release means the lock is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context) (func(context.Context) error, error)
}

// IngestRequest describes one CSV upload
type IngestRequest struct {
	TenantScope string
	Filename    string
	ContentType string
	// Size is the declared upload size; negative when unknown
	Size       int64
	Body       io.Reader
	Source     values.ListSource
	State      string
	UploadedBy string
}

// AddOptOutRequest adds a number to a tenant's internal list
type AddOptOutRequest struct {
	TenantScope   string
	PhoneNumber   string
	Reason        string
	RequestMethod values.RequestMethod
	ContactRef    string
	Notes         string
}

// RemoveOptOutRequest revokes an internal opt-out
type RemoveOptOutRequest struct {
	TenantScope   string
	PhoneNumber   string
	RemovedBy     string
	RemovedReason string
}

// SweepResult reports one sweeper pass
type SweepResult struct {
	Deleted            int64 `json:"deleted"`
	Skipped            bool  `json:"skipped"`
	StaleBatchesFailed int   `json:"stale_batches_failed"`
}

// GateDecision is the filter gate's verdict for one outbound call
type GateDecision struct {
	PhoneNumber string            `json:"phone_number"`
	Allowed     bool              `json:"allowed"`
	Reason      string            `json:"reason,omitempty"`
	Source      values.ListSource `json:"source,omitempty"`
	FailOpen    bool              `json:"fail_open"`
	CheckedAt   time.Time         `json:"checked_at"`
}
