package values

import (
	"fmt"
	"strings"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
)

// ListSource identifies where a suppression originates
type ListSource string

const (
	ListSourceNational     ListSource = "NATIONAL"
	ListSourceState        ListSource = "STATE"
	ListSourceManualUpload ListSource = "MANUAL_UPLOAD"
	// ListSourceInternal is only reported by lookups; it marks a tenant's permanent opt-out.
	ListSourceInternal ListSource = "INTERNAL"
)

var (
	// Sources accepted for suppression entries and uploads
	uploadableSources = map[ListSource]bool{
		ListSourceNational:     true,
		ListSourceState:        true,
		ListSourceManualUpload: true,
	}

	sourceDisplayNames = map[ListSource]string{
		ListSourceNational:     "National DNC Registry",
		ListSourceState:        "State DNC Registry",
		ListSourceManualUpload: "Tenant Suppression List",
		ListSourceInternal:     "Internal Opt-Out",
	}
)

// NewListSource parses and validates an uploadable list source
func NewListSource(source string) (ListSource, error) {
	if source == "" {
		return "", errors.NewValidationError("EMPTY_LIST_SOURCE", "list source cannot be empty")
	}

	normalized := ListSource(strings.ToUpper(strings.TrimSpace(source)))
	if !uploadableSources[normalized] {
		return "", errors.NewValidationError("UNSUPPORTED_LIST_SOURCE",
			fmt.Sprintf("list source '%s' is not supported", source))
	}
	return normalized, nil
}

func (s ListSource) String() string {
	return string(s)
}

// DisplayName returns a human-readable name
func (s ListSource) DisplayName() string {
	if name, ok := sourceDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

// IsUploadable reports whether entries of this source may be stored
func (s ListSource) IsUploadable() bool {
	return uploadableSources[s]
}
