package dnc

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"io"
	"mime"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

// Header names recognised as the phone column, compared case-insensitively
var phoneHeaderAliases = []string{
	"phone", "phone_number", "phonenumber", "number",
	"telephone", "mobile", "msisdn", "tel",
}

// Ingest streams a CSV list into the registry
func (s *service) Ingest(ctx context.Context, req IngestRequest) (*dnc.UploadBatch, error) {
	ctx, span := s.tracer.Start(ctx, "dnc.Ingest", trace.WithAttributes(
		attribute.String("dnc.source", string(req.Source)),
		attribute.String("dnc.filename", req.Filename),
		attribute.Int64("dnc.size_bytes", req.Size),
	))
	defer span.End()
	logger := telemetry.WithTrace(ctx, s.logger)

	state, err := s.validateUpload(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	batch := dnc.NewUploadBatch(req.TenantScope, req.Filename, req.UploadedBy, req.Source, state, max(req.Size, 0), s.now())
	if err := s.store.Batches.Create(ctx, batch); err != nil {
		telemetry.RecordError(span, err)
		return nil, storeError(err, "failed to open upload batch")
	}
	span.SetAttributes(attribute.String("dnc.batch_id", batch.ID.String()))

	staged, ingestErr := s.readRows(ctx, req, state, batch)
	if errors.HasCode(ingestErr, errors.ErrCodeFileTooLarge) {
		// an oversized file is rejected whole, whatever was staged before the limit
		staged = nil
	}

	// Already validated rows are kept even when the stream failed; partial
	// suppression data is preferred over none.
	if len(staged) > 0 {
		flushCtx, cancel := s.detached(ctx, ingestErr != nil)
		result, err := s.store.Suppressions.UpsertBatch(flushCtx, staged)
		cancel()
		if err != nil {
			logger.Error("bulk upsert failed",
				zap.String("batch_id", batch.ID.String()),
				zap.Int("staged", len(staged)),
				zap.Error(err))
			if ingestErr == nil {
				ingestErr = storeError(err, "failed to store suppression entries")
			}
		} else {
			batch.SuccessfulImports += result.Inserted
			batch.RecordDuplicates(result.Duplicates)
			if result.Inserted > 0 {
				s.invalidateCache(context.WithoutCancel(ctx))
			}
		}
	}

	if ingestErr != nil {
		if err := batch.Fail(failureReason(ingestErr), s.now()); err != nil {
			return nil, err
		}
	} else if err := batch.Complete(s.now()); err != nil {
		return nil, err
	}

	finalizeCtx, cancel := s.detached(ctx, true)
	defer cancel()
	if err := s.store.Batches.Finalize(finalizeCtx, batch); err != nil {
		logger.Error("failed to finalize upload batch",
			zap.String("batch_id", batch.ID.String()),
			zap.String("status", string(batch.Status)),
			zap.Error(err))
		if ingestErr == nil {
			ingestErr = storeError(err, "failed to finalize upload batch")
		}
	}

	s.metrics.RecordIngest(ctx, string(batch.Status), batch.SuccessfulImports, batch.FailedImports,
		batch.DuplicateRecords, float64(batch.ProcessingTimeMs))

	fields := []zap.Field{
		zap.String("batch_id", batch.ID.String()),
		zap.String("tenant_scope", batch.TenantScope),
		zap.String("source", string(batch.Source)),
		zap.String("status", string(batch.Status)),
		zap.Int("total", batch.TotalRecords),
		zap.Int("imported", batch.SuccessfulImports),
		zap.Int("failed", batch.FailedImports),
		zap.Int("duplicates", batch.DuplicateRecords),
		zap.Int64("processing_ms", batch.ProcessingTimeMs),
	}
	if ingestErr != nil {
		telemetry.RecordError(span, ingestErr)
		logger.Warn("upload batch failed", append(fields, zap.Error(ingestErr))...)
		return batch, ingestErr
	}
	logger.Info("upload batch completed", fields...)
	return batch, nil
}

// validateUpload runs every check that must pass before a row is read.
// It returns the normalized state code for STATE lists.
func (s *service) validateUpload(req IngestRequest) (string, error) {
	if req.Size > s.config.MaxUploadBytes {
		return "", errors.NewFileTooLargeError(req.Size, s.config.MaxUploadBytes)
	}
	if !strings.EqualFold(filepath.Ext(req.Filename), ".csv") {
		return "", errors.NewUnsupportedMediaTypeError("only .csv files are accepted")
	}
	if req.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(req.ContentType)
		if err != nil || !slices.Contains(s.config.AllowedMediaTypes, strings.ToLower(mediaType)) {
			return "", errors.NewUnsupportedMediaTypeError("unsupported content type " + req.ContentType)
		}
	}
	if req.Body == nil {
		return "", errors.NewValidationError(errors.ErrCodeValidation, "upload body is required")
	}
	if !req.Source.IsUploadable() {
		return "", errors.NewValidationError("INVALID_LIST_SOURCE", "source must be NATIONAL, STATE or MANUAL_UPLOAD")
	}

	switch req.Source {
	case values.ListSourceState:
		state, ok := values.NormalizeStateCode(req.State)
		if !ok {
			return "", errors.NewValidationError("INVALID_STATE", "a valid US state code is required for STATE lists")
		}
		return state, nil
	case values.ListSourceManualUpload:
		if req.TenantScope == dnc.GlobalScope {
			return "", errors.NewValidationError("TENANT_REQUIRED", "manual uploads must be tenant scoped")
		}
	}
	return "", nil
}

// readRows parses the CSV stream into staged entries, recording row
// failures and in-file duplicates on batch. On error it returns what was
// staged so far together with the error.
func (s *service) readRows(ctx context.Context, req IngestRequest, state string, batch *dnc.UploadBatch) ([]*dnc.SuppressionEntry, error) {
	reader := csv.NewReader(&sizeLimitedReader{r: req.Body, limit: s.config.MaxUploadBytes})
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		staged    []*dnc.SuppressionEntry
		seen      = make(map[string]struct{})
		column    = 0
		row       = 0
		firstRow  = true
		addedAt   = s.now()
		retention = s.config.Retention()
	)

	for {
		if err := ctx.Err(); err != nil {
			return staged, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			return staged, nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !stderrors.As(err, &parseErr) {
				return staged, err
			}
			firstRow = false
			row++
			batch.TotalRecords++
			batch.RecordRowError(row, "", "MALFORMED_ROW: "+parseErr.Err.Error())
			continue
		}

		if firstRow {
			firstRow = false
			if len(record) > 0 {
				record[0] = strings.TrimPrefix(record[0], "\ufeff")
			}
			if idx, ok := headerColumn(record); ok {
				column = idx
				continue
			}
		}

		row++
		batch.TotalRecords++

		raw := ""
		if column < len(record) {
			raw = record[column]
		}

		phone, err := values.NewPhoneNumber(raw)
		if err != nil {
			batch.RecordRowError(row, raw, errors.ErrCodeInvalidFormat)
			continue
		}
		if _, dup := seen[phone.String()]; dup {
			batch.RecordDuplicates(1)
			continue
		}

		entry, err := dnc.NewSuppressionEntry(phone, req.Source, state, req.TenantScope, batch.ID, addedAt, retention)
		if err != nil {
			batch.RecordRowError(row, raw, failureReason(err))
			continue
		}
		seen[phone.String()] = struct{}{}
		staged = append(staged, entry)
	}
}

// headerColumn reports the phone column when record is a header row
func headerColumn(record []string) (int, bool) {
	for i, field := range record {
		name := strings.ToLower(strings.TrimSpace(field))
		if slices.Contains(phoneHeaderAliases, name) {
			return i, true
		}
	}
	return 0, false
}

// detached returns a context that survives cancellation of ctx and is
// bounded by the finalize timeout. When bounded is false ctx is returned as is.
func (s *service) detached(ctx context.Context, bounded bool) (context.Context, context.CancelFunc) {
	if !bounded {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.config.FinalizeTimeout)
}

func failureReason(err error) string {
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr.Code
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return "CANCELLED"
	case stderrors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	}
	return err.Error()
}

// sizeLimitedReader fails once more than limit bytes have been read. It
// covers uploads whose size was not declared up front.
type sizeLimitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *sizeLimitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, errors.NewFileTooLargeError(l.read, l.limit)
	}
	return n, err
}
