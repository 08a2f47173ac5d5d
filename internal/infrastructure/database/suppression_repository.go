package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// deleteChunkSize bounds the rows removed per DELETE so the sweeper never
// holds a long lock on the registry
const deleteChunkSize = 10000

var suppressionColumns = []string{
	"id", "phone_number", "source", "state", "added_date",
	"expiry_date", "upload_batch_id", "tenant_scope",
}

// SuppressionRepository implements dnc.SuppressionRepository using PostgreSQL
type SuppressionRepository struct {
	db *pgxpool.Pool
}

// NewSuppressionRepository creates a new PostgreSQL suppression repository
func NewSuppressionRepository(db *pgxpool.Pool) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

var _ dnc.SuppressionRepository = (*SuppressionRepository)(nil)

// UpsertBatch copies entries into a temporary table and merges them in one
// transaction. A conflicting key is a duplicate unless the stored row has
// already expired, in which case the new entry replaces it.
func (r *SuppressionRepository) UpsertBatch(ctx context.Context, entries []*dnc.SuppressionEntry) (*dnc.UpsertResult, error) {
	result := &dnc.UpsertResult{}
	if len(entries) == 0 {
		return result, nil
	}

	// A single INSERT ... ON CONFLICT DO UPDATE cannot touch the same key twice
	unique := make([]*dnc.SuppressionEntry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Key()]; dup {
			result.Duplicates++
			continue
		}
		seen[e.Key()] = struct{}{}
		unique = append(unique, e)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to begin suppression upsert").WithCause(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE tmp_dnc_suppression_entries
		(LIKE dnc_suppression_entries INCLUDING DEFAULTS)
		ON COMMIT DROP`); err != nil {
		return nil, errors.NewStoreUnavailableError("failed to create staging table").WithCause(err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"tmp_dnc_suppression_entries"},
		suppressionColumns,
		pgx.CopyFromSlice(len(unique), func(i int) ([]any, error) {
			e := unique[i]
			return []any{
				e.ID, e.PhoneNumber.String(), string(e.Source), e.State,
				e.AddedDate, e.ExpiryDate, e.UploadBatchID, e.TenantScope,
			}, nil
		}),
	)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to stage suppression entries").WithCause(err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO dnc_suppression_entries (
			id, phone_number, source, state, added_date,
			expiry_date, upload_batch_id, tenant_scope
		)
		SELECT id, phone_number, source, state, added_date,
			expiry_date, upload_batch_id, tenant_scope
		FROM tmp_dnc_suppression_entries
		ON CONFLICT (phone_number, tenant_scope, source) DO UPDATE SET
			id = EXCLUDED.id,
			state = EXCLUDED.state,
			added_date = EXCLUDED.added_date,
			expiry_date = EXCLUDED.expiry_date,
			upload_batch_id = EXCLUDED.upload_batch_id
		WHERE dnc_suppression_entries.expiry_date <= EXCLUDED.added_date`)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to merge suppression entries").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.NewStoreUnavailableError("failed to commit suppression entries").WithCause(err)
	}

	result.Inserted = int(tag.RowsAffected())
	result.Duplicates += len(unique) - result.Inserted
	return result, nil
}

// FindActive retrieves unexpired entries visible to a tenant.
// Uses idx_dnc_suppression_lookup (phone_number, expiry_date).
func (r *SuppressionRepository) FindActive(ctx context.Context, tenantScope string, phone values.PhoneNumber, now time.Time) ([]*dnc.SuppressionEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, phone_number, source, state, added_date,
			expiry_date, upload_batch_id, tenant_scope
		FROM dnc_suppression_entries
		WHERE phone_number = $1
			AND tenant_scope IN ('', $2)
			AND expiry_date > $3`,
		phone.String(), tenantScope, now)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to find suppression entries").WithCause(err)
	}
	defer rows.Close()

	var entries []*dnc.SuppressionEntry
	for rows.Next() {
		entry, err := scanSuppressionEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError("failed to read suppression entries").WithCause(err)
	}
	return entries, nil
}

// DeleteExpired removes expired entries in bounded chunks
func (r *SuppressionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		tag, err := r.db.Exec(ctx, `
			DELETE FROM dnc_suppression_entries
			WHERE id IN (
				SELECT id FROM dnc_suppression_entries
				WHERE expiry_date <= $1
				LIMIT $2
			)`, before, deleteChunkSize)
		if err != nil {
			return total, errors.NewStoreUnavailableError("failed to delete expired entries").WithCause(err)
		}

		total += tag.RowsAffected()
		if tag.RowsAffected() < deleteChunkSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// DeleteByBatch rolls back the entries one upload created
func (r *SuppressionRepository) DeleteByBatch(ctx context.Context, tenantScope string, batchID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM dnc_suppression_entries
		WHERE tenant_scope = $1 AND upload_batch_id = $2`,
		tenantScope, batchID)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("failed to delete batch entries").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

// CountBySource counts unexpired entries visible to a tenant
func (r *SuppressionRepository) CountBySource(ctx context.Context, tenantScope string, now time.Time) (map[values.ListSource]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT source, COUNT(*)
		FROM dnc_suppression_entries
		WHERE tenant_scope IN ('', $1) AND expiry_date > $2
		GROUP BY source`,
		tenantScope, now)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to count suppression entries").WithCause(err)
	}
	defer rows.Close()

	counts := make(map[values.ListSource]int64)
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, errors.NewStoreUnavailableError("failed to scan source count").WithCause(err)
		}
		counts[values.ListSource(source)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError("failed to read source counts").WithCause(err)
	}
	return counts, nil
}

func scanSuppressionEntry(row pgx.Row) (*dnc.SuppressionEntry, error) {
	var (
		entry  dnc.SuppressionEntry
		source string
	)
	err := row.Scan(
		&entry.ID, &entry.PhoneNumber, &source, &entry.State, &entry.AddedDate,
		&entry.ExpiryDate, &entry.UploadBatchID, &entry.TenantScope,
	)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to scan suppression entry").WithCause(err)
	}
	entry.Source = values.ListSource(source)
	return &entry, nil
}
