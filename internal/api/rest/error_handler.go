package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
)

// ValidationError carries field-qualified request validation failures
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "request validation failed"
	}
	return fmt.Sprintf("request validation failed: %s %s", e.Fields[0].Field, e.Fields[0].Message)
}

// ErrorHandler maps errors onto HTTP responses
type ErrorHandler struct {
	debugMode bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(debugMode bool) *ErrorHandler {
	return &ErrorHandler{debugMode: debugMode}
}

// HandleError returns the status, error body and field errors for err
func (h *ErrorHandler) HandleError(err error) (int, ErrorResponse, []FieldError) {
	var validationErr *ValidationError
	if stderrors.As(err, &validationErr) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    errors.ErrCodeValidation,
			Message: "request validation failed",
		}, validationErr.Fields
	}

	if appErr, ok := errors.AsAppError(err); ok {
		resp := ErrorResponse{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		if h.debugMode && appErr.Cause != nil {
			resp.Details = appErr.Cause.Error()
		}
		// internal failures never leak their message outside debug mode
		if status >= http.StatusInternalServerError && !h.debugMode && !appErr.Retryable {
			resp.Message = "an internal error occurred"
		}
		return status, resp, nil
	}

	var maxBytes *http.MaxBytesError
	if stderrors.As(err, &maxBytes) {
		tooLarge := errors.NewFileTooLargeError(maxBytes.Limit+1, maxBytes.Limit)
		return tooLarge.StatusCode, ErrorResponse{Code: tooLarge.Code, Message: tooLarge.Message}, nil
	}

	switch {
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, ErrorResponse{
			Code:    "REQUEST_TIMEOUT",
			Message: "request was cancelled or timed out",
		}, nil
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_JSON",
			Message: "malformed JSON body",
		}, nil
	}

	resp := ErrorResponse{
		Code:    errors.ErrCodeInternal,
		Message: "an internal error occurred",
	}
	if h.debugMode {
		resp.Details = err.Error()
	}
	return http.StatusInternalServerError, resp, nil
}

// HandlePanic converts a recovered panic value into a 500 response body
func (h *ErrorHandler) HandlePanic(recovered interface{}) ErrorResponse {
	resp := ErrorResponse{
		Code:    errors.ErrCodeInternal,
		Message: "an internal error occurred",
	}
	if h.debugMode {
		resp.Details = fmt.Sprintf("panic: %v", recovered)
	}
	return resp
}
