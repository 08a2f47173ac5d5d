package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

const optOutColumns = `id, tenant_scope, phone_number, reason, request_date, request_method,
	contact_ref, notes, removed_date, removed_by, removed_reason`

// OptOutRepository implements dnc.OptOutRepository using PostgreSQL
type OptOutRepository struct {
	db *pgxpool.Pool
}

// NewOptOutRepository creates a new PostgreSQL opt-out repository
func NewOptOutRepository(db *pgxpool.Pool) *OptOutRepository {
	return &OptOutRepository{db: db}
}

var _ dnc.OptOutRepository = (*OptOutRepository)(nil)

// Add inserts an opt-out or reactivates a removed one. The conflict update is
// guarded so an active record is left untouched and nothing is returned.
func (r *OptOutRepository) Add(ctx context.Context, optOut *dnc.PermanentOptOut) (*dnc.PermanentOptOut, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO dnc_internal_opt_outs (`+optOutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, '', '')
		ON CONFLICT (tenant_scope, phone_number) DO UPDATE SET
			reason = EXCLUDED.reason,
			request_date = EXCLUDED.request_date,
			request_method = EXCLUDED.request_method,
			contact_ref = EXCLUDED.contact_ref,
			notes = EXCLUDED.notes,
			removed_date = NULL,
			removed_by = '',
			removed_reason = ''
		WHERE dnc_internal_opt_outs.removed_date IS NOT NULL
		RETURNING `+optOutColumns,
		optOut.ID, optOut.TenantScope, optOut.PhoneNumber.String(), optOut.Reason,
		optOut.RequestDate, string(optOut.RequestMethod), optOut.ContactRef, optOut.Notes,
	)

	stored, err := scanOptOut(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewDuplicateEntryError("phone number already has an active internal opt-out")
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to add opt-out").WithCause(err)
	}
	return stored, nil
}

// FindByPhone retrieves an opt-out whether active or removed
func (r *OptOutRepository) FindByPhone(ctx context.Context, tenantScope string, phone values.PhoneNumber) (*dnc.PermanentOptOut, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+optOutColumns+`
		FROM dnc_internal_opt_outs
		WHERE tenant_scope = $1 AND phone_number = $2`,
		tenantScope, phone.String())

	optOut, err := scanOptOut(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("opt-out")
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to find opt-out").WithCause(err)
	}
	return optOut, nil
}

// Remove soft-deletes an active opt-out
func (r *OptOutRepository) Remove(ctx context.Context, tenantScope string, phone values.PhoneNumber, removedBy, reason string, at time.Time) (*dnc.PermanentOptOut, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE dnc_internal_opt_outs
		SET removed_date = $3, removed_by = $4, removed_reason = $5
		WHERE tenant_scope = $1 AND phone_number = $2 AND removed_date IS NULL
		RETURNING `+optOutColumns,
		tenantScope, phone.String(), at.UTC(), removedBy, reason)

	optOut, err := scanOptOut(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("active opt-out")
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("failed to remove opt-out").WithCause(err)
	}
	return optOut, nil
}

// CountActive counts enforced opt-outs of a tenant
func (r *OptOutRepository) CountActive(ctx context.Context, tenantScope string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM dnc_internal_opt_outs
		WHERE tenant_scope = $1 AND removed_date IS NULL`,
		tenantScope).Scan(&count)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("failed to count opt-outs").WithCause(err)
	}
	return count, nil
}

// scanOptOut returns pgx.ErrNoRows unwrapped so callers can map it
func scanOptOut(row pgx.Row) (*dnc.PermanentOptOut, error) {
	var (
		o      dnc.PermanentOptOut
		method string
	)
	err := row.Scan(
		&o.ID, &o.TenantScope, &o.PhoneNumber, &o.Reason, &o.RequestDate, &method,
		&o.ContactRef, &o.Notes, &o.RemovedDate, &o.RemovedBy, &o.RemovedReason,
	)
	if err != nil {
		return nil, err
	}
	o.RequestMethod = values.RequestMethod(method)
	return &o, nil
}
