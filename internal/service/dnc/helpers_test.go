package dnc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil/memstore"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the service under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *service
	mem   *memstore.Store
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, config.Defaults().DNC)
}

func newFixtureWithConfig(t *testing.T, cfg config.DNCConfig) *fixture {
	t.Helper()
	mem := memstore.New()
	svc, err := newService(zaptest.NewLogger(t), cfg, mem.Registry(), nil, nil)
	require.NoError(t, err)

	clock := newTestClock()
	svc.now = clock.Now
	return &fixture{svc: svc, mem: mem, clock: clock}
}

func newNoopMetrics(t *testing.T) *metrics.Registry {
	t.Helper()
	registry, err := metrics.NewRegistryWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return registry
}

func (f *fixture) ingest(t *testing.T, tenantScope string, source values.ListSource, state, body string) *dnc.UploadBatch {
	t.Helper()
	batch, err := f.svc.Ingest(testutil.TestContext(t), IngestRequest{
		TenantScope: tenantScope,
		Filename:    "list.csv",
		ContentType: "text/csv",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
		Source:      source,
		State:       state,
		UploadedBy:  "compliance-ops",
	})
	require.NoError(t, err)
	require.Equal(t, dnc.BatchStatusCompleted, batch.Status)
	return batch
}

func (f *fixture) optOut(t *testing.T, tenantScope, phone string) *dnc.PermanentOptOut {
	t.Helper()
	o, err := f.svc.AddOptOut(testutil.TestContext(t), AddOptOutRequest{
		TenantScope:   tenantScope,
		PhoneNumber:   phone,
		Reason:        "consumer asked to stop",
		RequestMethod: values.RequestMethodPhoneCall,
	})
	require.NoError(t, err)
	return o
}
