package values

import (
	"fmt"
	"strings"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
)

// RequestMethod is the channel a consumer used to ask not to be called
type RequestMethod string

const (
	RequestMethodPhoneCall   RequestMethod = "PHONE_CALL"
	RequestMethodTextMessage RequestMethod = "TEXT_MESSAGE"
	RequestMethodEmail       RequestMethod = "EMAIL"
	RequestMethodWebForm     RequestMethod = "WEB_FORM"
	RequestMethodManual      RequestMethod = "MANUAL"
)

var supportedRequestMethods = map[RequestMethod]bool{
	RequestMethodPhoneCall:   true,
	RequestMethodTextMessage: true,
	RequestMethodEmail:       true,
	RequestMethodWebForm:     true,
	RequestMethodManual:      true,
}

// NewRequestMethod parses a request method; empty input defaults to MANUAL
func NewRequestMethod(method string) (RequestMethod, error) {
	if strings.TrimSpace(method) == "" {
		return RequestMethodManual, nil
	}

	normalized := RequestMethod(strings.ToUpper(strings.TrimSpace(method)))
	if !supportedRequestMethods[normalized] {
		return "", errors.NewValidationError("UNSUPPORTED_REQUEST_METHOD",
			fmt.Sprintf("request method '%s' is not supported", method))
	}
	return normalized, nil
}

func (m RequestMethod) String() string {
	return string(m)
}
