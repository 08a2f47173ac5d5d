package dnc

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// SuppressionEntry is one number on an imported registry list.
// Entries are immutable once written and are destroyed either by the
// expiry sweeper or by rolling back the upload batch that created them.
type SuppressionEntry struct {
	ID            uuid.UUID          `json:"id"`
	PhoneNumber   values.PhoneNumber `json:"phone_number"`
	Source        values.ListSource  `json:"source"`
	State         string             `json:"state,omitempty"`
	AddedDate     time.Time          `json:"added_date"`
	ExpiryDate    time.Time          `json:"expiry_date"`
	UploadBatchID uuid.UUID          `json:"upload_batch_id"`
	TenantScope   string             `json:"tenant_scope,omitempty"`
}

// NewSuppressionEntry builds an entry that expires retention after addedAt.
func NewSuppressionEntry(
	phone values.PhoneNumber,
	source values.ListSource,
	state string,
	tenantScope string,
	batchID uuid.UUID,
	addedAt time.Time,
	retention time.Duration,
) (*SuppressionEntry, error) {
	if phone.IsEmpty() {
		return nil, errors.NewValidationError("INVALID_PHONE_NUMBER", "phone number cannot be empty")
	}
	if !source.IsUploadable() {
		return nil, errors.NewValidationError("INVALID_LIST_SOURCE", "list source cannot hold suppression entries")
	}
	if source == values.ListSourceState {
		if _, ok := values.NormalizeStateCode(state); !ok {
			return nil, errors.NewValidationError("INVALID_STATE", "state list entries require a valid state code")
		}
	} else {
		state = ""
	}
	if source == values.ListSourceManualUpload && tenantScope == GlobalScope {
		return nil, errors.NewValidationError("TENANT_REQUIRED", "manual upload entries must be tenant scoped")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	added := addedAt.UTC()
	normalizedState, _ := values.NormalizeStateCode(state)
	return &SuppressionEntry{
		ID:            uuid.New(),
		PhoneNumber:   phone,
		Source:        source,
		State:         normalizedState,
		AddedDate:     added,
		ExpiryDate:    added.Add(retention),
		UploadBatchID: batchID,
		TenantScope:   tenantScope,
	}, nil
}

// IsExpired reports whether the entry no longer suppresses at now.
func (e *SuppressionEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiryDate)
}

// VisibleTo reports whether a lookup in tenantScope may see this entry.
func (e *SuppressionEntry) VisibleTo(tenantScope string) bool {
	return e.TenantScope == GlobalScope || e.TenantScope == tenantScope
}

// Key is the uniqueness key (phone, tenant scope, source).
func (e *SuppressionEntry) Key() string {
	return e.PhoneNumber.String() + "|" + e.TenantScope + "|" + string(e.Source)
}
