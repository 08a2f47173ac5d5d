package dnc

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil/mocks"
)

func TestIngest_CountsRowsAndDuplicates(t *testing.T) {
	f := newFixture(t)

	batch := f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "",
		"2125550100\nnot-a-number\n(212) 555-0100\n")

	assert.Equal(t, 3, batch.TotalRecords)
	assert.Equal(t, 1, batch.SuccessfulImports)
	assert.Equal(t, 2, batch.FailedImports)
	assert.Equal(t, 1, batch.DuplicateRecords)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, dnc.RowError{Row: 2, RawValue: "not-a-number", Reason: errors.ErrCodeInvalidFormat}, batch.Errors[0])

	stored, ok := f.mem.Batch(batch.ID)
	require.True(t, ok)
	assert.Equal(t, dnc.BatchStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	entries := f.mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "+12125550100", entries[0].PhoneNumber.String())
	assert.Equal(t, baseTime.Add(dnc.DefaultRetention), entries[0].ExpiryDate)
	assert.Equal(t, batch.ID, entries[0].UploadBatchID)
}

func TestIngest_ExistingEntriesCountAsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", "2125550100\n2125550101\n")

	again := f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", "2125550100\n2125550102\n")

	assert.Equal(t, 2, again.TotalRecords)
	assert.Equal(t, 1, again.SuccessfulImports)
	assert.Equal(t, 1, again.DuplicateRecords)
	assert.Len(t, f.mem.Entries(), 3)
}

func TestIngest_HeaderDetection(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		imported int
	}{
		{"phone_number column", "name,Phone_Number\nAlice,(212) 555-0100\nBob,212.555.0101\n", 2},
		{"byte order mark", "\ufeffphone\n2125550100\n", 1},
		{"msisdn alias", "id,msisdn\n1,+12125550100\n", 1},
		{"no header", "2125550100\n2125550101\n", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			batch := f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", tt.body)
			assert.Equal(t, tt.imported, batch.TotalRecords)
			assert.Equal(t, tt.imported, batch.SuccessfulImports)
			assert.Empty(t, batch.Errors)
		})
	}
}

func TestIngest_RejectsBeforeReading(t *testing.T) {
	cfg := config.Defaults().DNC
	cfg.MaxUploadBytes = 1024

	tests := []struct {
		name   string
		modify func(*IngestRequest)
		code   string
		status int
	}{
		{
			name:   "declared size over limit",
			modify: func(r *IngestRequest) { r.Size = 4096 },
			code:   errors.ErrCodeFileTooLarge,
			status: 413,
		},
		{
			name:   "wrong extension",
			modify: func(r *IngestRequest) { r.Filename = "list.xlsx" },
			code:   errors.ErrCodeUnsupportedMediaType,
			status: 415,
		},
		{
			name:   "wrong content type",
			modify: func(r *IngestRequest) { r.ContentType = "image/png" },
			code:   errors.ErrCodeUnsupportedMediaType,
			status: 415,
		},
		{
			name:   "state list without state",
			modify: func(r *IngestRequest) { r.Source = values.ListSourceState },
			code:   "INVALID_STATE",
			status: 400,
		},
		{
			name: "state list with unknown state",
			modify: func(r *IngestRequest) {
				r.Source = values.ListSourceState
				r.State = "ZZ"
			},
			code:   "INVALID_STATE",
			status: 400,
		},
		{
			name:   "global manual upload",
			modify: func(r *IngestRequest) { r.Source = values.ListSourceManualUpload },
			code:   "TENANT_REQUIRED",
			status: 400,
		},
		{
			name:   "internal source",
			modify: func(r *IngestRequest) { r.Source = values.ListSourceInternal },
			code:   "INVALID_LIST_SOURCE",
			status: 400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithConfig(t, cfg)
			req := IngestRequest{
				Filename:    "list.csv",
				ContentType: "text/csv; charset=utf-8",
				Size:        10,
				Body:        strings.NewReader("2125550100\n"),
				Source:      values.ListSourceNational,
			}
			tt.modify(&req)

			batch, err := f.svc.Ingest(testutil.TestContext(t), req)
			require.Error(t, err)
			assert.Nil(t, batch)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.status, errors.GetStatusCode(err))
			assert.Empty(t, f.mem.Entries())
		})
	}
}

func TestIngest_UndeclaredSizeOverLimitFails(t *testing.T) {
	cfg := config.Defaults().DNC
	cfg.MaxUploadBytes = 64
	f := newFixtureWithConfig(t, cfg)

	body := strings.Repeat("2125550100\n", 20)
	batch, err := f.svc.Ingest(testutil.TestContext(t), IngestRequest{
		Filename: "list.csv",
		Size:     -1,
		Body:     strings.NewReader(body),
		Source:   values.ListSourceNational,
	})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeFileTooLarge))
	require.NotNil(t, batch)
	assert.Equal(t, dnc.BatchStatusFailed, batch.Status)
	assert.Equal(t, errors.ErrCodeFileTooLarge, batch.FailureReason)
	assert.Zero(t, batch.SuccessfulImports)
	assert.Empty(t, f.mem.Entries(), "rows read before the limit are not kept")

	stored, ok := f.mem.Batch(batch.ID)
	require.True(t, ok)
	assert.Equal(t, dnc.BatchStatusFailed, stored.Status)
}

func TestIngest_StreamFailureKeepsStagedRows(t *testing.T) {
	f := newFixture(t)

	body := io.MultiReader(
		strings.NewReader("phone\n2125550100\n2125550101\n"),
		iotest.ErrReader(stderrors.New("connection reset by peer")),
	)
	batch, err := f.svc.Ingest(testutil.TestContext(t), IngestRequest{
		Filename: "list.csv",
		Size:     -1,
		Body:     body,
		Source:   values.ListSourceNational,
	})

	require.Error(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, dnc.BatchStatusFailed, batch.Status)
	assert.Equal(t, "connection reset by peer", batch.FailureReason)
	assert.Equal(t, 2, batch.TotalRecords)
	assert.Equal(t, 2, batch.SuccessfulImports)
	assert.Len(t, f.mem.Entries(), 2)

	stored, ok := f.mem.Batch(batch.ID)
	require.True(t, ok)
	assert.Equal(t, dnc.BatchStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.SuccessfulImports)
}

func TestIngest_CancelledContextStillFinalizes(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := f.svc.Ingest(ctx, IngestRequest{
		Filename: "list.csv",
		Size:     -1,
		Body:     strings.NewReader("2125550100\n"),
		Source:   values.ListSourceNational,
	})

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, batch)
	assert.Equal(t, "CANCELLED", batch.FailureReason)

	stored, ok := f.mem.Batch(batch.ID)
	require.True(t, ok)
	assert.Equal(t, dnc.BatchStatusFailed, stored.Status)
}

func TestIngest_StoreFailureFailsBatch(t *testing.T) {
	store, suppressions, _, batches := mocks.Store()
	svc, err := newService(zaptest.NewLogger(t), config.Defaults().DNC, store, nil, nil)
	require.NoError(t, err)

	batches.On("Create", mock.Anything, mock.AnythingOfType("*dnc.UploadBatch")).Return(nil)
	suppressions.On("UpsertBatch", mock.Anything, mock.Anything).
		Return(nil, errors.NewStoreUnavailableError("database down"))
	batches.On("Finalize", mock.Anything, mocks.Match(func(b *dnc.UploadBatch) bool {
		return b.Status == dnc.BatchStatusFailed && b.FailureReason == errors.ErrCodeStoreUnavailable
	})).Return(nil)

	batch, err := svc.Ingest(testutil.TestContext(t), IngestRequest{
		Filename: "list.csv",
		Size:     11,
		Body:     strings.NewReader("2125550100\n"),
		Source:   values.ListSourceNational,
	})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStore))
	require.NotNil(t, batch)
	assert.Equal(t, 0, batch.SuccessfulImports)
	suppressions.AssertExpectations(t)
	batches.AssertExpectations(t)
}

func TestIngest_InvalidatesCacheOnInsert(t *testing.T) {
	f := newFixture(t)
	cache := &mocks.StatusCache{}
	f.svc.cache = cache
	cache.On("Invalidate", mock.Anything).Return().Once()

	f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", "2125550100\n")
	// nothing new to insert, so the cache is left alone
	f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", "2125550100\n")

	cache.AssertExpectations(t)
}
