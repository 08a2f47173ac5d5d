package dnc

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// BatchStatus is the lifecycle state of an upload
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// RowError describes one rejected row of an upload
type RowError struct {
	Row      int    `json:"row"`
	RawValue string `json:"raw_value"`
	Reason   string `json:"reason"`
}

// UploadBatch is the audit ledger record of one CSV ingestion.
// It is created PROCESSING and finalized exactly once.
type UploadBatch struct {
	ID                uuid.UUID         `json:"id"`
	TenantScope       string            `json:"tenant_scope,omitempty"`
	Filename          string            `json:"filename"`
	UploadDate        time.Time         `json:"upload_date"`
	UploadedBy        string            `json:"uploaded_by,omitempty"`
	Source            values.ListSource `json:"source"`
	State             string            `json:"state,omitempty"`
	TotalRecords      int               `json:"total_records"`
	SuccessfulImports int               `json:"successful_imports"`
	FailedImports     int               `json:"failed_imports"`
	DuplicateRecords  int               `json:"duplicate_records"`
	Errors            []RowError        `json:"errors"`
	FileSizeBytes     int64             `json:"file_size_bytes"`
	ProcessingTimeMs  int64             `json:"processing_time_ms"`
	Status            BatchStatus       `json:"status"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// NewUploadBatch starts a PROCESSING batch
func NewUploadBatch(tenantScope, filename, uploadedBy string, source values.ListSource, state string, size int64, now time.Time) *UploadBatch {
	return &UploadBatch{
		ID:            uuid.New(),
		TenantScope:   tenantScope,
		Filename:      filename,
		UploadDate:    now.UTC(),
		UploadedBy:    uploadedBy,
		Source:        source,
		State:         state,
		FileSizeBytes: size,
		Errors:        []RowError{},
		Status:        BatchStatusProcessing,
	}
}

// RecordRowError counts a failed row and keeps its detail while under the cap.
func (b *UploadBatch) RecordRowError(row int, raw, reason string) {
	b.FailedImports++
	if len(b.Errors) < MaxStoredBatchErrors {
		b.Errors = append(b.Errors, RowError{Row: row, RawValue: raw, Reason: reason})
	}
}

// RecordDuplicates counts rows rejected because the entry already exists.
func (b *UploadBatch) RecordDuplicates(n int) {
	b.FailedImports += n
	b.DuplicateRecords += n
}

// Complete finalizes a successful batch
func (b *UploadBatch) Complete(now time.Time) error {
	return b.finalize(BatchStatusCompleted, "", now)
}

// Fail finalizes a batch that could not finish, keeping partial counts
func (b *UploadBatch) Fail(reason string, now time.Time) error {
	return b.finalize(BatchStatusFailed, reason, now)
}

func (b *UploadBatch) finalize(status BatchStatus, reason string, now time.Time) error {
	if b.Status != BatchStatusProcessing {
		return errors.NewValidationError("BATCH_FINALIZED", "upload batch has already been finalized")
	}
	if status == BatchStatusCompleted && b.SuccessfulImports+b.FailedImports > b.TotalRecords {
		return errors.NewInternalError("upload batch counts exceed total records")
	}
	done := now.UTC()
	b.Status = status
	b.FailureReason = reason
	b.CompletedAt = &done
	b.ProcessingTimeMs = done.Sub(b.UploadDate).Milliseconds()
	return nil
}

// ReportedErrors returns the errors surfaced to API callers
func (b *UploadBatch) ReportedErrors() []RowError {
	if len(b.Errors) <= MaxReportedBatchErrors {
		return b.Errors
	}
	return b.Errors[:MaxReportedBatchErrors]
}

// IsStale reports whether a PROCESSING batch has outlived threshold
func (b *UploadBatch) IsStale(now time.Time, threshold time.Duration) bool {
	return b.Status == BatchStatusProcessing && now.Sub(b.UploadDate) > threshold
}
