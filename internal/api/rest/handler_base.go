package rest

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

// maxJSONBodySize bounds every JSON request body
const maxJSONBodySize = 1 << 20

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Errors  []FieldError   `json:"errors,omitempty"`
}

// ErrorResponse provides error information
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// FieldError names one invalid request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	validator    *validator.Validate
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewBaseHandler creates a base handler. debug exposes internal error detail.
func NewBaseHandler(logger *zap.Logger, debug bool) *BaseHandler {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report fields by their wire names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("phone", validatePhoneNumber)
	_ = v.RegisterValidation("request_method", validateRequestMethod)
	_ = v.RegisterValidation("list_source", validateListSource)

	return &BaseHandler{
		validator:    v,
		errorHandler: NewErrorHandler(debug),
		logger:       logger,
	}
}

// ParseJSONRequest decodes a JSON body into dst and validates it
func (h *BaseHandler) ParseJSONRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		if stderrors.As(err, &maxBytes) {
			return errors.NewFileTooLargeError(maxBytes.Limit+1, maxBytes.Limit)
		}
		if stderrors.Is(err, io.EOF) {
			return errors.NewValidationError("INVALID_JSON", "request body is required")
		}
		return errors.NewValidationError("INVALID_JSON", "malformed JSON body").WithCause(err)
	}
	if decoder.More() {
		return errors.NewValidationError("INVALID_JSON", "request body must hold a single JSON object")
	}
	return h.Validate(dst)
}

// Validate runs struct validation and converts failures to a ValidationError
func (h *BaseHandler) Validate(dst interface{}) error {
	err := h.validator.Struct(dst)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.NewInternalError("request validation failed").WithCause(err)
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe),
			Message: describeFieldError(fe),
		})
	}
	return out
}

// WriteSuccessResponse writes a success envelope
func (h *BaseHandler) WriteSuccessResponse(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, ResponseEnvelope{Success: true, Data: data})
}

// WriteErrorResponse maps err to a status and writes an error envelope.
// data, when non-nil, is returned alongside the error.
func (h *BaseHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	status, resp, fields := h.errorHandler.HandleError(err)
	resp.RequestID = requestIDFromContext(r.Context())

	logger := telemetry.WithTrace(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("code", resp.Code),
			zap.Error(err))
	} else {
		logger.Debug("request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("code", resp.Code))
	}

	writeJSON(w, status, ResponseEnvelope{Success: false, Data: data, Error: &resp, Errors: fields})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func fieldPath(fe validator.FieldError) string {
	// drop the root struct name from "AddOptOutRequest.phoneNumber"
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "phone":
		return "must be a valid North American phone number"
	case "request_method":
		return "must be one of PHONE_CALL, TEXT_MESSAGE, EMAIL, WEB_FORM, MANUAL"
	case "list_source":
		return "must be one of NATIONAL, STATE, MANUAL_UPLOAD"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "alpha":
		return "must contain letters only"
	}
	return fmt.Sprintf("failed the %q check", fe.Tag())
}

func validatePhoneNumber(fl validator.FieldLevel) bool {
	_, err := values.NormalizePhone(fl.Field().String())
	return err == nil
}

func validateRequestMethod(fl validator.FieldLevel) bool {
	_, err := values.NewRequestMethod(fl.Field().String())
	return err == nil
}

func validateListSource(fl validator.FieldLevel) bool {
	source, err := values.NewListSource(fl.Field().String())
	return err == nil && source.IsUploadable()
}
