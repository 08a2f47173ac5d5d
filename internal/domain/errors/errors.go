package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for the compliance engine
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeTooLarge    ErrorType = "too_large"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeStore       ErrorType = "store"
)

// Stable error codes surfaced to API callers.
const (
	ErrCodeInvalidFormat        = "INVALID_FORMAT"
	ErrCodeDuplicateEntry       = "DUPLICATE_ENTRY"
	ErrCodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeFileTooLarge         = "FILE_TOO_LARGE"
	ErrCodeBatchTooLarge        = "BATCH_TOO_LARGE"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewValidationError reports a malformed request field.
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewInvalidFormatError reports a phone number that cannot be normalized.
func NewInvalidFormatError(raw string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeInvalidFormat,
		Message:    fmt.Sprintf("invalid phone number format: %q", raw),
		StatusCode: http.StatusBadRequest,
		Details:    map[string]interface{}{"value": raw},
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func NewDuplicateEntryError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       ErrCodeDuplicateEntry,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewUnsupportedMediaTypeError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnsupported,
		Code:       ErrCodeUnsupportedMediaType,
		Message:    message,
		StatusCode: http.StatusUnsupportedMediaType,
	}
}

func NewFileTooLargeError(size, limit int64) *AppError {
	return &AppError{
		Type:       ErrorTypeTooLarge,
		Code:       ErrCodeFileTooLarge,
		Message:    fmt.Sprintf("file exceeds maximum upload size of %d bytes", limit),
		StatusCode: http.StatusRequestEntityTooLarge,
		Details:    map[string]interface{}{"size": size, "limit": limit},
	}
}

func NewBatchTooLargeError(count, limit int) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeBatchTooLarge,
		Message:    fmt.Sprintf("batch of %d exceeds maximum of %d phone numbers", count, limit),
		StatusCode: http.StatusBadRequest,
		Details:    map[string]interface{}{"count": count, "limit": limit},
	}
}

// NewStoreUnavailableError wraps a registry store failure. Callers may retry.
func NewStoreUnavailableError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeStore,
		Code:       ErrCodeStoreUnavailable,
		Message:    message,
		Retryable:  true,
		StatusCode: http.StatusInternalServerError,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: http.StatusTooManyRequests,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// AsAppError extracts the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries the given code
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
