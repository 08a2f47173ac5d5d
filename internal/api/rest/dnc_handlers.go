package rest

import (
	"context"
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

const (
	// room for multipart boundaries and the text fields around the file
	multipartOverhead = 64 << 10
	// longest accepted text field
	maxFormFieldBytes = 1 << 10
)

// Gate is the call-flow filter exposed by the guard endpoint
type Gate interface {
	Guard(ctx context.Context, tenantScope, candidate string) dncsvc.GateDecision
	State() dncsvc.CircuitBreakerStats
}

// Sweeper runs an on-demand expiry pass
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*dncsvc.SweepResult, error)
}

// DNCHandler serves the /api/v1/dnc routes
type DNCHandler struct {
	*BaseHandler
	service        dncsvc.Service
	gate           Gate
	sweeper        Sweeper
	maxUploadBytes int64
	tracer         trace.Tracer
	now            func() time.Time
}

// NewDNCHandler creates the DNC handler set
func NewDNCHandler(base *BaseHandler, service dncsvc.Service, gate Gate, sweeper Sweeper, maxUploadBytes int64) *DNCHandler {
	return &DNCHandler{
		BaseHandler:    base,
		service:        service,
		gate:           gate,
		sweeper:        sweeper,
		maxUploadBytes: maxUploadBytes,
		tracer:         telemetry.Tracer("dnc-api"),
		now:            time.Now,
	}
}

// UploadList handles POST /api/v1/dnc/uploads
//
// multipart/form-data with "source", "state" and "uploadedBy" fields
// followed by a CSV "file" part. The file part is streamed into the
// registry without buffering. Responds 201 with the finalized batch summary.
func (h *DNCHandler) UploadList(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.UploadList")
	defer span.End()

	if !isMultipart(r) {
		h.WriteErrorResponse(w, r, errors.NewUnsupportedMediaTypeError("uploads must be sent as multipart/form-data"), nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	parts, err := r.MultipartReader()
	if err != nil {
		h.WriteErrorResponse(w, r, errors.NewValidationError(errors.ErrCodeValidation, "malformed multipart body").WithCause(err), nil)
		return
	}
	form, file, err := readUploadForm(parts)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if stderrors.As(err, &maxBytes) {
			err = errors.NewFileTooLargeError(r.ContentLength, h.maxUploadBytes)
		}
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	if file != nil {
		defer file.Close()
	}

	if err := h.Validate(&form); err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	source, _ := values.NewListSource(form.Source)

	if file == nil {
		h.WriteErrorResponse(w, r, &ValidationError{Fields: []FieldError{{Field: "file", Message: "is required"}}}, nil)
		return
	}

	span.SetAttributes(
		attribute.String("dnc.source", source.String()),
		attribute.String("dnc.filename", file.FileName()),
	)

	batch, err := h.service.Ingest(ctx, dncsvc.IngestRequest{
		TenantScope: TenantFromContext(ctx),
		Filename:    file.FileName(),
		ContentType: file.Header.Get("Content-Type"),
		Size:        -1,
		Body:        file,
		Source:      source,
		State:       form.State,
		UploadedBy:  form.UploadedBy,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		var data interface{}
		if batch != nil {
			data = newUploadResponse(batch)
		}
		h.WriteErrorResponse(w, r, err, data)
		return
	}

	h.WriteSuccessResponse(w, http.StatusCreated, newUploadResponse(batch))
}

// readUploadForm collects the text fields up to the "file" part and
// returns that part unread. Fields sent after the file are never seen, so a
// form that puts them last fails validation. file is nil when the body ends
// without one.
func readUploadForm(parts *multipart.Reader) (form UploadForm, file *multipart.Part, err error) {
	for {
		part, err := parts.NextPart()
		if err == io.EOF {
			return form, nil, nil
		}
		if err != nil {
			return form, nil, malformedMultipart(err)
		}

		name := part.FormName()
		if name == "file" {
			return form, part, nil
		}

		var dst *string
		switch name {
		case "source":
			dst = &form.Source
		case "state":
			dst = &form.State
		case "uploadedBy":
			dst = &form.UploadedBy
		}
		if dst == nil {
			_, err = io.Copy(io.Discard, part)
		} else {
			var raw []byte
			raw, err = io.ReadAll(io.LimitReader(part, maxFormFieldBytes+1))
			if err == nil && len(raw) > maxFormFieldBytes {
				err = &ValidationError{Fields: []FieldError{{Field: name, Message: "is too long"}}}
			}
			*dst = strings.TrimSpace(string(raw))
		}
		_ = part.Close()
		if err != nil {
			return form, nil, malformedMultipart(err)
		}
	}
}

// malformedMultipart passes body limit and field errors through and wraps
// anything else as a validation failure.
func malformedMultipart(err error) error {
	var maxBytes *http.MaxBytesError
	var fieldErr *ValidationError
	if stderrors.As(err, &maxBytes) || stderrors.As(err, &fieldErr) {
		return err
	}
	return errors.NewValidationError(errors.ErrCodeValidation, "malformed multipart body").WithCause(err)
}

// ListUploads handles GET /api/v1/dnc/uploads?limit=N
func (h *DNCHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.WriteErrorResponse(w, r, &ValidationError{Fields: []FieldError{{Field: "limit", Message: "must be a positive integer"}}}, nil)
			return
		}
		limit = n
	}

	batches, err := h.service.ListUploads(r.Context(), TenantFromContext(r.Context()), limit)
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, newUploadListResponse(batches))
}

// StaleUploads handles GET /api/v1/dnc/uploads/stale
func (h *DNCHandler) StaleUploads(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.StaleUploads(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, newUploadListResponse(batches))
}

// GetUpload handles GET /api/v1/dnc/uploads/{id}
func (h *DNCHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	batch, err := h.service.GetUpload(r.Context(), TenantFromContext(r.Context()), id)
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, batch)
}

// RollbackUpload handles DELETE /api/v1/dnc/uploads/{id}/entries
func (h *DNCHandler) RollbackUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	tenant := TenantFromContext(r.Context())
	deleted, err := h.service.RollbackUpload(r.Context(), tenant, id)
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}

	telemetry.WithTrace(r.Context(), h.logger).Info("upload batch rolled back",
		zap.String("batch_id", id.String()),
		zap.String("tenant_scope", tenant),
		zap.Int64("entries_deleted", deleted))
	h.WriteSuccessResponse(w, http.StatusOK, &RollbackResponse{BatchID: id, EntriesDeleted: deleted})
}

// CheckNumber handles GET /api/v1/dnc/check/{phoneNumber}
func (h *DNCHandler) CheckNumber(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Check(r.Context(), TenantFromContext(r.Context()), r.PathValue("phoneNumber"))
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, status)
}

// CheckBatch handles POST /api/v1/dnc/check/batch
func (h *DNCHandler) CheckBatch(w http.ResponseWriter, r *http.Request) {
	var req CheckBatchRequest
	if err := h.ParseJSONRequest(w, r, &req); err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}

	results, err := h.service.CheckBatch(r.Context(), TenantFromContext(r.Context()), req.PhoneNumbers)
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, newCheckBatchResponse(results))
}

// GuardCall handles GET /api/v1/dnc/guard/{phoneNumber}. It always
// answers 200; a fail-open decision is flagged in the body.
func (h *DNCHandler) GuardCall(w http.ResponseWriter, r *http.Request) {
	decision := h.gate.Guard(r.Context(), TenantFromContext(r.Context()), r.PathValue("phoneNumber"))
	h.WriteSuccessResponse(w, http.StatusOK, decision)
}

// AddOptOut handles POST /api/v1/dnc/internal
func (h *DNCHandler) AddOptOut(w http.ResponseWriter, r *http.Request) {
	var req AddOptOutRequest
	if err := h.ParseJSONRequest(w, r, &req); err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}

	var method values.RequestMethod
	if req.RequestMethod != "" {
		method, _ = values.NewRequestMethod(req.RequestMethod)
	}

	optOut, err := h.service.AddOptOut(r.Context(), dncsvc.AddOptOutRequest{
		TenantScope:   TenantFromContext(r.Context()),
		PhoneNumber:   req.PhoneNumber,
		Reason:        req.Reason,
		RequestMethod: method,
		ContactRef:    req.ContactRef,
		Notes:         req.Notes,
	})
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusCreated, optOut)
}

// RemoveOptOut handles POST /api/v1/dnc/internal/remove
func (h *DNCHandler) RemoveOptOut(w http.ResponseWriter, r *http.Request) {
	var req RemoveOptOutRequest
	if err := h.ParseJSONRequest(w, r, &req); err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}

	optOut, err := h.service.RemoveOptOut(r.Context(), dncsvc.RemoveOptOutRequest{
		TenantScope:   TenantFromContext(r.Context()),
		PhoneNumber:   req.PhoneNumber,
		RemovedBy:     req.RemovedBy,
		RemovedReason: req.RemovedReason,
	})
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, optOut)
}

// GetOptOut handles GET /api/v1/dnc/internal/{phoneNumber}
func (h *DNCHandler) GetOptOut(w http.ResponseWriter, r *http.Request) {
	optOut, err := h.service.GetOptOut(r.Context(), TenantFromContext(r.Context()), r.PathValue("phoneNumber"))
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, optOut)
}

// Stats handles GET /api/v1/dnc/stats
func (h *DNCHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, stats)
}

// Cleanup handles POST /api/v1/dnc/cleanup
func (h *DNCHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	result, err := h.sweeper.Sweep(r.Context(), now)
	if err != nil {
		h.WriteErrorResponse(w, r, err, nil)
		return
	}
	h.WriteSuccessResponse(w, http.StatusOK, newCleanupResponse(result, now))
}

func (h *DNCHandler) batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.WriteErrorResponse(w, r, &ValidationError{Fields: []FieldError{{Field: "id", Message: "must be a UUID"}}}, nil)
		return uuid.Nil, false
	}
	return id, true
}
