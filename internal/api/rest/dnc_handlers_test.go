package rest

import (
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

func TestUploadList_IngestsAndBlocks(t *testing.T) {
	api := newTestAPI(t)

	rec := api.upload(t, "", "national.csv", "2125550100\nnot-a-number\n(212) 555-0100\n",
		map[string]string{"source": "national", "uploadedBy": "ops"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	env := decodeData(t, rec, &resp)
	assert.True(t, env.Success)
	assert.Equal(t, dnc.BatchStatusCompleted, resp.Status)
	assert.Equal(t, values.ListSourceNational, resp.Source)
	assert.Equal(t, 3, resp.TotalRecords)
	assert.Equal(t, 1, resp.SuccessfulImports)
	assert.Equal(t, 2, resp.FailedImports)
	assert.Equal(t, 1, resp.DuplicateRecords)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 2, resp.Errors[0].Row)

	// a global list binds every tenant
	var status dnc.DNCStatus
	decodeData(t, api.get(t, "/api/v1/dnc/check/212-555-0100", "acme"), &status)
	assert.True(t, status.IsOnDNC)
	assert.Equal(t, values.ListSourceNational, status.Source)
	assert.Equal(t, "+12125550100", status.PhoneNumber)
}

func TestUploadList_ReportsFirstTenErrors(t *testing.T) {
	api := newTestAPI(t)
	var csv strings.Builder
	for i := range 15 {
		fmt.Fprintf(&csv, "bad-%d\n", i)
	}

	rec := api.upload(t, "acme", "bad.csv", csv.String(), map[string]string{"source": "MANUAL_UPLOAD"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 15, resp.FailedImports)
	assert.Len(t, resp.Errors, dnc.MaxReportedBatchErrors)
}

func TestUploadList_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*config.Config)
		send      func(t *testing.T, api *testAPI) *httptest.ResponseRecorder
		status    int
		code      string
		fields    []string
	}{
		{
			name: "not multipart",
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.postJSON(t, "/api/v1/dnc/uploads", "", `{"file":"x"}`)
			},
			status: http.StatusUnsupportedMediaType,
			code:   errors.ErrCodeUnsupportedMediaType,
		},
		{
			name: "missing source",
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.upload(t, "", "list.csv", "2125550100\n", nil)
			},
			status: http.StatusBadRequest,
			code:   errors.ErrCodeValidation,
			fields: []string{"source"},
		},
		{
			name: "internal is not uploadable",
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.upload(t, "", "list.csv", "2125550100\n", map[string]string{"source": "INTERNAL"})
			},
			status: http.StatusBadRequest,
			code:   errors.ErrCodeValidation,
			fields: []string{"source"},
		},
		{
			name: "missing file",
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.upload(t, "", "", "", map[string]string{"source": "NATIONAL"})
			},
			status: http.StatusBadRequest,
			code:   errors.ErrCodeValidation,
			fields: []string{"file"},
		},
		{
			name: "wrong extension",
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.upload(t, "", "list.xlsx", "2125550100\n", map[string]string{"source": "NATIONAL"})
			},
			status: http.StatusUnsupportedMediaType,
			code:   errors.ErrCodeUnsupportedMediaType,
		},
		{
			name: "file too large",
			configure: func(cfg *config.Config) {
				cfg.DNC.MaxUploadBytes = 32
			},
			send: func(t *testing.T, api *testAPI) *httptest.ResponseRecorder {
				return api.upload(t, "", "list.csv", strings.Repeat("2125550100\n", 10), map[string]string{"source": "NATIONAL"})
			},
			status: http.StatusRequestEntityTooLarge,
			code:   errors.ErrCodeFileTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var configure []func(*config.Config)
			if tt.configure != nil {
				configure = append(configure, tt.configure)
			}
			api := newTestAPI(t, configure...)

			rec := tt.send(t, api)
			assert.Equal(t, tt.status, rec.Code)
			env := decode(t, rec)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			if tt.fields != nil {
				assert.Equal(t, tt.fields, fieldNames(env.Errors))
			}
			assert.Empty(t, api.mem.Entries())
		})
	}
}

// streamForm writes fields and a CSV file part through a pipe in the given
// order, so the handler never sees the whole body at once.
func streamForm(t *testing.T, fileFirst bool, fields map[string]string, rows int) (io.Reader, string) {
	t.Helper()
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pr.Close() })
	mw := multipart.NewWriter(pw)
	go func() {
		writeFields := func() error {
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			return nil
		}
		writeFile := func() error {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="file"; filename="stream.csv"`)
			h.Set("Content-Type", "text/csv")
			part, err := mw.CreatePart(h)
			if err != nil {
				return err
			}
			for i := 0; i < rows; i++ {
				if _, err := fmt.Fprintf(part, "212555%04d\n", i); err != nil {
					return err
				}
			}
			return nil
		}

		steps := []func() error{writeFields, writeFile}
		if fileFirst {
			steps = []func() error{writeFile, writeFields}
		}
		for _, step := range steps {
			if err := step(); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()
	return pr, mw.FormDataContentType()
}

func TestUploadList_StreamsFilePart(t *testing.T) {
	api := newTestAPI(t)

	body, contentType := streamForm(t, false, map[string]string{"source": "NATIONAL", "uploadedBy": "ops"}, 5000)
	rec := api.do(t, http.MethodPost, "/api/v1/dnc/uploads", "", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "stream.csv", resp.Filename)
	assert.Equal(t, 5000, resp.TotalRecords)
	assert.Equal(t, 5000, resp.SuccessfulImports)
	assert.Len(t, api.mem.Entries(), 5000)
}

func TestUploadList_FieldsMustPrecedeFile(t *testing.T) {
	api := newTestAPI(t)

	body, contentType := streamForm(t, true, map[string]string{"source": "NATIONAL"}, 10)
	rec := api.do(t, http.MethodPost, "/api/v1/dnc/uploads", "", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, errors.ErrCodeValidation, env.Error.Code)
	assert.Equal(t, []string{"source"}, fieldNames(env.Errors))
	assert.Empty(t, api.mem.Entries())

	rec = api.upload(t, "", "list.csv", "2125550100\n", map[string]string{
		"source":     "NATIONAL",
		"uploadedBy": strings.Repeat("x", maxFormFieldBytes+1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"uploadedBy"}, fieldNames(decode(t, rec).Errors))
	assert.Empty(t, api.mem.Entries())
}

func TestUploads_Ledger(t *testing.T) {
	api := newTestAPI(t)
	rec := api.upload(t, "acme", "suppress.csv", "3055550100\n3055550101\n", map[string]string{"source": "MANUAL_UPLOAD"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var uploaded UploadResponse
	decodeData(t, rec, &uploaded)

	var list UploadListResponse
	decodeData(t, api.get(t, "/api/v1/dnc/uploads?limit=10", "acme"), &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, uploaded.BatchID, list.Uploads[0].ID)

	decodeData(t, api.get(t, "/api/v1/dnc/uploads", "globex"), &list)
	assert.Zero(t, list.Count, "ledgers are tenant scoped")

	var batch dnc.UploadBatch
	decodeData(t, api.get(t, "/api/v1/dnc/uploads/"+uploaded.BatchID.String(), "acme"), &batch)
	assert.Equal(t, "suppress.csv", batch.Filename)
	assert.Equal(t, "acme", batch.TenantScope)

	rec = api.get(t, "/api/v1/dnc/uploads/"+uploaded.BatchID.String(), "globex")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.ErrCodeNotFound, decode(t, rec).Error.Code)

	rec = api.get(t, "/api/v1/dnc/uploads/not-a-uuid", "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"id"}, fieldNames(decode(t, rec).Errors))

	rec = api.get(t, "/api/v1/dnc/uploads?limit=zero", "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"limit"}, fieldNames(decode(t, rec).Errors))

	decodeData(t, api.get(t, "/api/v1/dnc/uploads/stale", "acme"), &list)
	assert.Zero(t, list.Count)

	var rollback RollbackResponse
	rec = api.do(t, http.MethodDelete, "/api/v1/dnc/uploads/"+uploaded.BatchID.String()+"/entries", "acme", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &rollback)
	assert.Equal(t, int64(2), rollback.EntriesDeleted)
	assert.Empty(t, api.mem.Entries())
}

func TestCheckNumber_Errors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.get(t, "/api/v1/dnc/check/555", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidFormat, decode(t, rec).Error.Code)

	api.mem.FailWith(stderrors.New("connection refused"))
	rec = api.get(t, "/api/v1/dnc/check/2125550100", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, errors.ErrCodeStoreUnavailable, env.Error.Code)
	assert.True(t, env.Error.Retryable)
	assert.NotEqual(t, "an internal error occurred", env.Error.Message)
	assert.Empty(t, env.Error.Details, "causes stay hidden outside debug mode")
}

func TestCheckBatch(t *testing.T) {
	api := newTestAPI(t)
	rec := api.upload(t, "", "national.csv", "2125550100\n", map[string]string{"source": "NATIONAL"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.postJSON(t, "/api/v1/dnc/check/batch", "acme", CheckBatchRequest{
		PhoneNumbers: []string{"7135550100", "garbage", "(212) 555-0100"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CheckBatchResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.Blocked)
	assert.Equal(t, 1, resp.Invalid)
	assert.Equal(t, "+17135550100", resp.Results[0].PhoneNumber)
	assert.False(t, resp.Results[0].IsOnDNC)
	assert.Equal(t, "garbage", resp.Results[1].PhoneNumber)
	assert.Equal(t, errors.ErrCodeInvalidFormat, resp.Results[1].Error)
	assert.True(t, resp.Results[2].IsOnDNC)
}

func TestCheckBatch_RequestValidation(t *testing.T) {
	api := newTestAPI(t)
	tooMany := make([]string, config.Defaults().DNC.MaxBatchCheck+1)
	for i := range tooMany {
		tooMany[i] = "2125550100"
	}

	tests := []struct {
		name   string
		body   interface{}
		code   string
		fields []string
	}{
		{"empty list", `{"phoneNumbers":[]}`, errors.ErrCodeValidation, []string{"phoneNumbers"}},
		{"missing list", `{}`, errors.ErrCodeValidation, []string{"phoneNumbers"}},
		{"unknown field", `{"phones":["2125550100"]}`, "INVALID_JSON", nil},
		{"malformed", `{"phoneNumbers":`, "INVALID_JSON", nil},
		{"too many", CheckBatchRequest{PhoneNumbers: tooMany}, errors.ErrCodeBatchTooLarge, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.postJSON(t, "/api/v1/dnc/check/batch", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env := decode(t, rec)
			assert.Equal(t, tt.code, env.Error.Code)
			if tt.fields != nil {
				assert.Equal(t, tt.fields, fieldNames(env.Errors))
			}
		})
	}
}

func TestGuardCall(t *testing.T) {
	api := newTestAPI(t)
	rec := api.upload(t, "", "national.csv", "2125550100\n", map[string]string{"source": "NATIONAL"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var decision dncsvc.GateDecision
	decodeData(t, api.get(t, "/api/v1/dnc/guard/2125550100", "acme"), &decision)
	assert.False(t, decision.Allowed)
	assert.False(t, decision.FailOpen)
	assert.Equal(t, values.ListSourceNational, decision.Source)

	api.mem.FailWith(stderrors.New("connection refused"))
	rec = api.get(t, "/api/v1/dnc/guard/2125550100", "acme")
	require.Equal(t, http.StatusOK, rec.Code, "the gate never fails the call flow")
	decodeData(t, rec, &decision)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailOpen)
}

func TestOptOutEndpoints(t *testing.T) {
	api := newTestAPI(t)
	add := AddOptOutRequest{PhoneNumber: "(415) 555-0100", Reason: "asked on call", RequestMethod: "PHONE_CALL", ContactRef: "ticket-9"}

	rec := api.postJSON(t, "/api/v1/dnc/internal", "acme", add)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var optOut dnc.PermanentOptOut
	decodeData(t, rec, &optOut)
	assert.Equal(t, "+14155550100", optOut.PhoneNumber.String())
	assert.Equal(t, values.RequestMethodPhoneCall, optOut.RequestMethod)
	assert.Equal(t, "ticket-9", optOut.ContactRef)

	rec = api.postJSON(t, "/api/v1/dnc/internal", "acme", add)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeDuplicateEntry, decode(t, rec).Error.Code)

	var status dnc.DNCStatus
	decodeData(t, api.get(t, "/api/v1/dnc/check/4155550100", "acme"), &status)
	assert.True(t, status.IsOnDNC)
	assert.Equal(t, values.ListSourceInternal, status.Source)

	decodeData(t, api.get(t, "/api/v1/dnc/check/4155550100", "globex"), &status)
	assert.False(t, status.IsOnDNC, "opt-outs bind only their tenant")

	rec = api.postJSON(t, "/api/v1/dnc/internal/remove", "acme", RemoveOptOutRequest{
		PhoneNumber: "4155550100", RemovedBy: "agent-7", RemovedReason: "re-consented",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	decodeData(t, api.get(t, "/api/v1/dnc/check/4155550100", "acme"), &status)
	assert.False(t, status.IsOnDNC)

	var history dnc.PermanentOptOut
	decodeData(t, api.get(t, "/api/v1/dnc/internal/4155550100", "acme"), &history)
	require.NotNil(t, history.RemovedDate)
	assert.Equal(t, "agent-7", history.RemovedBy)

	rec = api.get(t, "/api/v1/dnc/internal/4155550199", "acme")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptOutEndpoints_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		path   string
		tenant string
		body   interface{}
		code   string
		fields []string
	}{
		{
			name:   "bad phone and missing reason",
			path:   "/api/v1/dnc/internal",
			tenant: "acme",
			body:   AddOptOutRequest{PhoneNumber: "555"},
			code:   errors.ErrCodeValidation,
			fields: []string{"phoneNumber", "reason"},
		},
		{
			name:   "unknown request method",
			path:   "/api/v1/dnc/internal",
			tenant: "acme",
			body:   AddOptOutRequest{PhoneNumber: "4155550100", Reason: "stop", RequestMethod: "PIGEON"},
			code:   errors.ErrCodeValidation,
			fields: []string{"requestMethod"},
		},
		{
			name: "global scope cannot own opt-outs",
			path: "/api/v1/dnc/internal",
			body: AddOptOutRequest{PhoneNumber: "4155550100", Reason: "stop"},
			code: "TENANT_REQUIRED",
		},
		{
			name:   "remove without actor",
			path:   "/api/v1/dnc/internal/remove",
			tenant: "acme",
			body:   RemoveOptOutRequest{PhoneNumber: "4155550100"},
			code:   errors.ErrCodeValidation,
			fields: []string{"removedBy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.postJSON(t, tt.path, tt.tenant, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env := decode(t, rec)
			assert.Equal(t, tt.code, env.Error.Code)
			if tt.fields != nil {
				assert.ElementsMatch(t, tt.fields, fieldNames(env.Errors))
			}
		})
	}
}

func TestStatsAndCleanup(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.upload(t, "", "n.csv", "2125550100\n2125550101\n", map[string]string{"source": "NATIONAL"}))
	require.Equal(t, http.StatusCreated, api.upload(t, "", "s.csv", "7135550100\n", map[string]string{"source": "STATE", "state": "tx"}).Code)
	require.Equal(t, http.StatusCreated, api.postJSON(t, "/api/v1/dnc/internal", "acme", AddOptOutRequest{PhoneNumber: "4155550100", Reason: "stop"}).Code)

	var stats dnc.SourceStats
	decodeData(t, api.get(t, "/api/v1/dnc/stats", "acme"), &stats)
	assert.Equal(t, int64(2), stats.National)
	assert.Equal(t, int64(1), stats.State)
	assert.Equal(t, int64(1), stats.InternalOptOut)
	assert.Equal(t, int64(4), stats.Total)

	rec := api.do(t, http.MethodPost, "/api/v1/dnc/cleanup", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cleanup CleanupResponse
	decodeData(t, rec, &cleanup)
	assert.Zero(t, cleanup.RecordsRemoved, "nothing has expired yet")
	assert.False(t, cleanup.Skipped)
	assert.False(t, cleanup.RanAt.IsZero())
}

func TestTenantHeader(t *testing.T) {
	api := newTestAPI(t)

	for _, tenant := range []string{"acme corp", "-leading", strings.Repeat("a", maxTenantIDLength+1)} {
		rec := api.get(t, "/api/v1/dnc/stats", tenant)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tenant)
		assert.Equal(t, []string{headerTenantID}, fieldNames(decode(t, rec).Errors))
	}

	rec := api.get(t, "/api/v1/dnc/stats", "tenant-42.us:east")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_PerTenant(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	})

	rec := api.get(t, "/api/v1/dnc/check/2125550100", "acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = api.get(t, "/api/v1/dnc/check/2125550100", "acme")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	env := decode(t, rec)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Error.Code)
	assert.True(t, env.Error.Retryable)

	assert.Equal(t, http.StatusOK, api.get(t, "/api/v1/dnc/check/2125550100", "globex").Code)
	// ledger routes are not throttled
	assert.Equal(t, http.StatusOK, api.get(t, "/api/v1/dnc/stats", "acme").Code)
}

func TestGuardCall_NotThrottled(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	})
	rec := api.postJSON(t, "/api/v1/dnc/internal", "acme",
		AddOptOutRequest{PhoneNumber: "4155550100", Reason: "asked on call", RequestMethod: "PHONE_CALL"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for i := 0; i < 3; i++ {
		rec := api.get(t, "/api/v1/dnc/guard/4155550100", "acme")
		require.Equal(t, http.StatusOK, rec.Code, "call %d: %s", i, rec.Body.String())
		var decision dncsvc.GateDecision
		decodeData(t, rec, &decision)
		assert.False(t, decision.Allowed, "call %d", i)
		assert.False(t, decision.FailOpen, "call %d", i)
		assert.Equal(t, values.ListSourceInternal, decision.Source)

		rec = api.get(t, "/api/v1/dnc/guard/2125550100", "acme")
		require.Equal(t, http.StatusOK, rec.Code)
		decodeData(t, rec, &decision)
		assert.True(t, decision.Allowed)
	}

	// the direct check endpoints keep their budget
	assert.Equal(t, http.StatusOK, api.get(t, "/api/v1/dnc/check/2125550100", "acme").Code)
	assert.Equal(t, http.StatusTooManyRequests, api.get(t, "/api/v1/dnc/check/2125550100", "acme").Code)
}

func TestRequestIDPropagation(t *testing.T) {
	api := newTestAPI(t)
	rec := api.get(t, "/api/v1/dnc/uploads/"+uuid.NewString(), "acme")
	require.Equal(t, http.StatusNotFound, rec.Code)

	requestID := rec.Header().Get(headerRequestID)
	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, decode(t, rec).Error.RequestID)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
