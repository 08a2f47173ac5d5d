package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

const batchColumns = `id, tenant_scope, filename, upload_date, uploaded_by, source, state,
	total_records, successful_imports, failed_imports, duplicate_records, errors,
	file_size_bytes, processing_time_ms, status, failure_reason, completed_at`

// UploadBatchRepository implements dnc.UploadBatchRepository using PostgreSQL
type UploadBatchRepository struct {
	db *pgxpool.Pool
}

// NewUploadBatchRepository creates a new PostgreSQL upload ledger
func NewUploadBatchRepository(db *pgxpool.Pool) *UploadBatchRepository {
	return &UploadBatchRepository{db: db}
}

var _ dnc.UploadBatchRepository = (*UploadBatchRepository)(nil)

// Create records a PROCESSING batch
func (r *UploadBatchRepository) Create(ctx context.Context, b *dnc.UploadBatch) error {
	rowErrors, err := json.Marshal(b.Errors)
	if err != nil {
		return errors.NewInternalError("failed to encode batch errors").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dnc_upload_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		b.ID, b.TenantScope, b.Filename, b.UploadDate, b.UploadedBy, string(b.Source), b.State,
		b.TotalRecords, b.SuccessfulImports, b.FailedImports, b.DuplicateRecords, rowErrors,
		b.FileSizeBytes, b.ProcessingTimeMs, string(b.Status), b.FailureReason, b.CompletedAt,
	)
	if err != nil {
		return errors.NewStoreUnavailableError("failed to create upload batch").WithCause(err)
	}
	return nil
}

// Finalize writes the terminal state of a batch still marked PROCESSING
func (r *UploadBatchRepository) Finalize(ctx context.Context, b *dnc.UploadBatch) error {
	rowErrors, err := json.Marshal(b.Errors)
	if err != nil {
		return errors.NewInternalError("failed to encode batch errors").WithCause(err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE dnc_upload_batches SET
			total_records = $2,
			successful_imports = $3,
			failed_imports = $4,
			duplicate_records = $5,
			errors = $6,
			processing_time_ms = $7,
			status = $8,
			failure_reason = $9,
			completed_at = $10
		WHERE id = $1 AND status = 'PROCESSING'`,
		b.ID, b.TotalRecords, b.SuccessfulImports, b.FailedImports, b.DuplicateRecords,
		rowErrors, b.ProcessingTimeMs, string(b.Status), b.FailureReason, b.CompletedAt,
	)
	if err != nil {
		return errors.NewStoreUnavailableError("failed to finalize upload batch").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewValidationError("BATCH_FINALIZED", "upload batch has already been finalized")
	}
	return nil
}

// GetByID retrieves a batch of one tenant
func (r *UploadBatchRepository) GetByID(ctx context.Context, tenantScope string, id uuid.UUID) (*dnc.UploadBatch, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM dnc_upload_batches
		WHERE id = $1 AND tenant_scope = $2`,
		id, tenantScope)

	b, err := scanBatch(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("upload batch")
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to get upload batch").WithCause(err)
	}
	return b, nil
}

// List returns a tenant's most recent batches
func (r *UploadBatchRepository) List(ctx context.Context, tenantScope string, limit int) ([]*dnc.UploadBatch, error) {
	return r.query(ctx, `
		SELECT `+batchColumns+`
		FROM dnc_upload_batches
		WHERE tenant_scope = $1
		ORDER BY upload_date DESC
		LIMIT $2`,
		tenantScope, limit)
}

// FindStale returns PROCESSING batches older than olderThan
func (r *UploadBatchRepository) FindStale(ctx context.Context, olderThan time.Time) ([]*dnc.UploadBatch, error) {
	return r.query(ctx, `
		SELECT `+batchColumns+`
		FROM dnc_upload_batches
		WHERE status = 'PROCESSING' AND upload_date < $1
		ORDER BY upload_date`,
		olderThan)
}

func (r *UploadBatchRepository) query(ctx context.Context, sql string, args ...any) ([]*dnc.UploadBatch, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to query upload batches").WithCause(err)
	}
	defer rows.Close()

	batches := make([]*dnc.UploadBatch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.NewStoreUnavailableError("failed to scan upload batch").WithCause(err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError("failed to read upload batches").WithCause(err)
	}
	return batches, nil
}

func scanBatch(row pgx.Row) (*dnc.UploadBatch, error) {
	var (
		b         dnc.UploadBatch
		source    string
		status    string
		rowErrors []byte
	)
	err := row.Scan(
		&b.ID, &b.TenantScope, &b.Filename, &b.UploadDate, &b.UploadedBy, &source, &b.State,
		&b.TotalRecords, &b.SuccessfulImports, &b.FailedImports, &b.DuplicateRecords, &rowErrors,
		&b.FileSizeBytes, &b.ProcessingTimeMs, &status, &b.FailureReason, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Source = values.ListSource(source)
	b.Status = dnc.BatchStatus(status)
	b.Errors = []dnc.RowError{}
	if len(rowErrors) > 0 {
		if err := json.Unmarshal(rowErrors, &b.Errors); err != nil {
			return nil, err
		}
	}
	return &b, nil
}
