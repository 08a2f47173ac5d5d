package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil/memstore"
)

type testAPI struct {
	handler http.Handler
	mem     *memstore.Store
	prom    *prometheus.Registry
	gate    *dncsvc.Gate
}

// envelope mirrors ResponseEnvelope with data left undecoded
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorResponse  `json:"error"`
	Errors  []FieldError    `json:"errors"`
}

func newTestAPI(t *testing.T, configure ...func(*config.Config)) *testAPI {
	t.Helper()
	cfg := config.Defaults()
	for _, fn := range configure {
		fn(cfg)
	}

	logger := zaptest.NewLogger(t)
	registry, err := metrics.NewRegistryWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	mem := memstore.New()
	service, err := dncsvc.NewService(logger, cfg.DNC, mem.Registry(), nil, registry)
	require.NoError(t, err)
	gate, err := dncsvc.NewGate(logger, cfg.DNC.Gate, service, registry)
	require.NoError(t, err)
	sweeper, err := dncsvc.NewSweeper(logger, cfg.DNC, mem.Registry(), nil, registry)
	require.NoError(t, err)

	prom := prometheus.NewRegistry()
	handler, err := NewRouter(RouterConfig{
		Logger:         logger,
		Server:         cfg.Server,
		Service:        service,
		Gate:           gate,
		Sweeper:        sweeper,
		MaxUploadBytes: cfg.DNC.MaxUploadBytes,
		Registerer:     prom,
		Gatherer:       prom,
		Version:        "test",
	})
	require.NoError(t, err)

	return &testAPI{handler: handler, mem: mem, prom: prom, gate: gate}
}

func (a *testAPI) do(t *testing.T, method, path, tenant string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tenant != "" {
		req.Header.Set(headerTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) get(t *testing.T, path, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodGet, path, tenant, nil, "")
}

func (a *testAPI) postJSON(t *testing.T, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return a.do(t, http.MethodPost, path, tenant, bytes.NewReader(raw), "application/json")
}

// upload posts a multipart form. An empty filename omits the file part.
func (a *testAPI) upload(t *testing.T, tenant, filename, csv string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		h.Set("Content-Type", "text/csv")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = io.Copy(part, strings.NewReader(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return a.do(t, http.MethodPost, "/api/v1/dnc/uploads", tenant, &buf, mw.FormDataContentType())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) envelope {
	t.Helper()
	env := decode(t, rec)
	require.NotEmpty(t, env.Data, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
	return env
}

func fieldNames(errs []FieldError) []string {
	names := make([]string, 0, len(errs))
	for _, e := range errs {
		names = append(names, e.Field)
	}
	return names
}
