package dnc

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// PermanentOptOut is a tenant's internal do-not-call record. It never
// expires; removal is a soft revocation that keeps the history queryable.
type PermanentOptOut struct {
	ID            uuid.UUID            `json:"id"`
	TenantScope   string               `json:"tenant_scope"`
	PhoneNumber   values.PhoneNumber   `json:"phone_number"`
	Reason        string               `json:"reason"`
	RequestDate   time.Time            `json:"request_date"`
	RequestMethod values.RequestMethod `json:"request_method"`
	ContactRef    string               `json:"contact_ref,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	RemovedDate   *time.Time           `json:"removed_date,omitempty"`
	RemovedBy     string               `json:"removed_by,omitempty"`
	RemovedReason string               `json:"removed_reason,omitempty"`
}

// NewPermanentOptOut validates and creates an active opt-out
func NewPermanentOptOut(
	tenantScope string,
	phone values.PhoneNumber,
	reason string,
	method values.RequestMethod,
	requestedAt time.Time,
) (*PermanentOptOut, error) {
	if strings.TrimSpace(tenantScope) == "" {
		return nil, errors.NewValidationError("TENANT_REQUIRED", "internal opt-outs must be tenant scoped")
	}
	if phone.IsEmpty() {
		return nil, errors.NewValidationError("INVALID_PHONE_NUMBER", "phone number cannot be empty")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errors.NewValidationError("REASON_REQUIRED", "opt-out reason is required")
	}
	if method == "" {
		method = values.RequestMethodManual
	}

	return &PermanentOptOut{
		ID:            uuid.New(),
		TenantScope:   tenantScope,
		PhoneNumber:   phone,
		Reason:        strings.TrimSpace(reason),
		RequestDate:   requestedAt.UTC(),
		RequestMethod: method,
	}, nil
}

// IsActive reports whether the opt-out is enforced
func (o *PermanentOptOut) IsActive() bool {
	return o.RemovedDate == nil
}

// Remove revokes the opt-out. Revoking twice is rejected.
func (o *PermanentOptOut) Remove(removedBy, reason string, at time.Time) error {
	if !o.IsActive() {
		return errors.NewNotFoundError("active opt-out")
	}
	if strings.TrimSpace(removedBy) == "" {
		return errors.NewValidationError("REMOVED_BY_REQUIRED", "removedBy is required")
	}
	removed := at.UTC()
	o.RemovedDate = &removed
	o.RemovedBy = removedBy
	o.RemovedReason = reason
	return nil
}

// Reactivate clears a previous revocation, taking request details from next.
func (o *PermanentOptOut) Reactivate(next *PermanentOptOut) {
	o.Reason = next.Reason
	o.RequestDate = next.RequestDate
	o.RequestMethod = next.RequestMethod
	o.ContactRef = next.ContactRef
	o.Notes = next.Notes
	o.RemovedDate = nil
	o.RemovedBy = ""
	o.RemovedReason = ""
}
