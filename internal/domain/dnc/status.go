package dnc

import (
	"time"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// DNCStatus is the answer to "may this number be called?"
type DNCStatus struct {
	PhoneNumber string            `json:"phone_number"`
	IsOnDNC     bool              `json:"is_on_dnc"`
	Source      values.ListSource `json:"source,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CheckedAt   time.Time         `json:"checked_at"`
	Error       string            `json:"error,omitempty"`
	Cached      bool              `json:"cached,omitempty"`
}

// SafeStatus is the status of a number found on no list
func SafeStatus(phone string, now time.Time) DNCStatus {
	return DNCStatus{PhoneNumber: phone, CheckedAt: now}
}

// StatusFromOptOut builds a blocking INTERNAL status
func StatusFromOptOut(o *PermanentOptOut, now time.Time) DNCStatus {
	return DNCStatus{
		PhoneNumber: o.PhoneNumber.String(),
		IsOnDNC:     true,
		Source:      values.ListSourceInternal,
		Reason:      o.Reason,
		CheckedAt:   now,
	}
}

// StatusFromEntry builds a blocking status from a registry entry
func StatusFromEntry(e *SuppressionEntry, now time.Time) DNCStatus {
	expires := e.ExpiryDate
	reason := e.Source.DisplayName()
	if e.Source == values.ListSourceState {
		reason = e.State + " " + reason
	}
	return DNCStatus{
		PhoneNumber: e.PhoneNumber.String(),
		IsOnDNC:     true,
		Source:      e.Source,
		Reason:      reason,
		ExpiresAt:   &expires,
		CheckedAt:   now,
	}
}

// SourceStats counts unexpired entries per source visible to a tenant
type SourceStats struct {
	TenantScope    string    `json:"tenant_scope,omitempty"`
	National       int64     `json:"national"`
	State          int64     `json:"state"`
	ManualUpload   int64     `json:"manual_upload"`
	InternalOptOut int64     `json:"internal_opt_out"`
	Total          int64     `json:"total"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Add accumulates a count for source and keeps Total in sync
func (s *SourceStats) Add(source values.ListSource, n int64) {
	switch source {
	case values.ListSourceNational:
		s.National += n
	case values.ListSourceState:
		s.State += n
	case values.ListSourceManualUpload:
		s.ManualUpload += n
	case values.ListSourceInternal:
		s.InternalOptOut += n
	default:
		return
	}
	s.Total += n
}
