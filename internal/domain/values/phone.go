package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
)

// PhoneNumber represents a validated North American phone number value object
type PhoneNumber struct {
	number string // Stored in canonical E.164 format (+1XXXXXXXXXX)
}

var canonicalRegex = regexp.MustCompile(`^\+1\d{10}$`)

// Characters removed before digit validation. Nothing else is tolerated.
var phoneStripper = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "\t", "")

// NormalizePhone converts raw input into canonical E.164 (+1 followed by ten digits).
// Normalizing an already canonical value returns it unchanged.
func NormalizePhone(raw string) (string, error) {
	cleaned := phoneStripper.Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return "", errors.NewInvalidFormatError(raw)
	}

	plus := strings.HasPrefix(cleaned, "+")
	digits := strings.TrimPrefix(cleaned, "+")
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", errors.NewInvalidFormatError(raw)
		}
	}

	var national string
	switch {
	case len(digits) == 11 && digits[0] == '1':
		national = digits[1:]
	case len(digits) == 10 && !plus:
		national = digits
	default:
		return "", errors.NewInvalidFormatError(raw)
	}

	normalized := "+1" + national
	if !canonicalRegex.MatchString(normalized) {
		return "", errors.NewInvalidFormatError(raw)
	}
	return normalized, nil
}

// NewPhoneNumber creates a new PhoneNumber value object with validation
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	normalized, err := NormalizePhone(raw)
	if err != nil {
		return PhoneNumber{}, err
	}
	return PhoneNumber{number: normalized}, nil
}

// MustNewPhoneNumber creates PhoneNumber and panics on error (for constants/tests)
func MustNewPhoneNumber(raw string) PhoneNumber {
	phone, err := NewPhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return phone
}

// String returns the phone number in E.164 format
func (p PhoneNumber) String() string {
	return p.number
}

// IsEmpty checks if the phone number is empty
func (p PhoneNumber) IsEmpty() bool {
	return p.number == ""
}

// Equal checks if two PhoneNumber values are equal
func (p PhoneNumber) Equal(other PhoneNumber) bool {
	return p.number == other.number
}

// AreaCode returns the three digit NPA
func (p PhoneNumber) AreaCode() string {
	if len(p.number) != 12 {
		return ""
	}
	return p.number[2:5]
}

// State returns the US state the area code is assigned to, or "" when
// the area code is toll-free, non-US, or unassigned.
func (p PhoneNumber) State() string {
	return StateForAreaCode(p.AreaCode())
}

// FormatUS returns US-formatted phone number (XXX) XXX-XXXX
func (p PhoneNumber) FormatUS() string {
	if len(p.number) != 12 {
		return p.number
	}
	return fmt.Sprintf("(%s) %s-%s", p.number[2:5], p.number[5:8], p.number[8:])
}

// MarshalJSON implements JSON marshaling
func (p PhoneNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.number)
}

// UnmarshalJSON implements JSON unmarshaling
func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	phone, err := NewPhoneNumber(raw)
	if err != nil {
		return err
	}

	*p = phone
	return nil
}

// Value implements driver.Valuer for database storage
func (p PhoneNumber) Value() (driver.Value, error) {
	if p.number == "" {
		return nil, nil
	}
	return p.number, nil
}

// Scan implements sql.Scanner for database retrieval
func (p *PhoneNumber) Scan(value interface{}) error {
	if value == nil {
		*p = PhoneNumber{}
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into PhoneNumber", value)
	}

	if str == "" {
		*p = PhoneNumber{}
		return nil
	}

	phone, err := NewPhoneNumber(str)
	if err != nil {
		return err
	}

	*p = phone
	return nil
}
