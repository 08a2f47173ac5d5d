package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

// UploadResponse summarizes an ingested batch
type UploadResponse struct {
	BatchID           uuid.UUID         `json:"batch_id"`
	Filename          string            `json:"filename"`
	Source            values.ListSource `json:"source"`
	State             string            `json:"state,omitempty"`
	Status            dnc.BatchStatus   `json:"status"`
	TotalRecords      int               `json:"total_records"`
	SuccessfulImports int               `json:"successful_imports"`
	FailedImports     int               `json:"failed_imports"`
	DuplicateRecords  int               `json:"duplicate_records"`
	Errors            []dnc.RowError    `json:"errors"`
	ProcessingTimeMs  int64             `json:"processing_time_ms"`
	FailureReason     string            `json:"failure_reason,omitempty"`
}

func newUploadResponse(b *dnc.UploadBatch) *UploadResponse {
	return &UploadResponse{
		BatchID:           b.ID,
		Filename:          b.Filename,
		Source:            b.Source,
		State:             b.State,
		Status:            b.Status,
		TotalRecords:      b.TotalRecords,
		SuccessfulImports: b.SuccessfulImports,
		FailedImports:     b.FailedImports,
		DuplicateRecords:  b.DuplicateRecords,
		Errors:            b.ReportedErrors(),
		ProcessingTimeMs:  b.ProcessingTimeMs,
		FailureReason:     b.FailureReason,
	}
}

// UploadListResponse lists ledger records
type UploadListResponse struct {
	Uploads []*dnc.UploadBatch `json:"uploads"`
	Count   int                `json:"count"`
}

func newUploadListResponse(batches []*dnc.UploadBatch) *UploadListResponse {
	if batches == nil {
		batches = []*dnc.UploadBatch{}
	}
	return &UploadListResponse{Uploads: batches, Count: len(batches)}
}

// RollbackResponse reports a batch rollback
type RollbackResponse struct {
	BatchID        uuid.UUID `json:"batch_id"`
	EntriesDeleted int64     `json:"entries_deleted"`
}

// CheckBatchResponse holds per-number statuses in request order
type CheckBatchResponse struct {
	Results []dnc.DNCStatus `json:"results"`
	Total   int             `json:"total"`
	Blocked int             `json:"blocked"`
	Invalid int             `json:"invalid"`
}

func newCheckBatchResponse(results []dnc.DNCStatus) *CheckBatchResponse {
	resp := &CheckBatchResponse{Results: results, Total: len(results)}
	for _, r := range results {
		switch {
		case r.Error != "":
			resp.Invalid++
		case r.IsOnDNC:
			resp.Blocked++
		}
	}
	return resp
}

// CleanupResponse reports a manual sweep
type CleanupResponse struct {
	RecordsRemoved     int64     `json:"records_removed"`
	Skipped            bool      `json:"skipped"`
	StaleBatchesFailed int       `json:"stale_batches_failed"`
	RanAt              time.Time `json:"ran_at"`
}

func newCleanupResponse(result *dncsvc.SweepResult, at time.Time) *CleanupResponse {
	return &CleanupResponse{
		RecordsRemoved:     result.Deleted,
		Skipped:            result.Skipped,
		StaleBatchesFailed: result.StaleBatchesFailed,
		RanAt:              at,
	}
}
