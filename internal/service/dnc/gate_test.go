package dnc

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil"
	"github.com/davidleathers/dnc-compliance-engine/internal/testutil/mocks"
)

func newTestGate(t *testing.T, checker Checker, cfg config.GateConfig) (*Gate, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	gate, err := NewGate(zap.New(core), cfg, checker, newNoopMetrics(t))
	require.NoError(t, err)
	return gate, logs
}

func TestGate_Decisions(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, dnc.GlobalScope, values.ListSourceNational, "", "2125550100\n")
	gate, logs := newTestGate(t, f.svc, config.Defaults().DNC.Gate)
	ctx := testutil.TestContext(t)

	blocked := gate.Guard(ctx, "acme", "212-555-0100")
	assert.False(t, blocked.Allowed)
	assert.False(t, blocked.FailOpen)
	assert.Equal(t, values.ListSourceNational, blocked.Source)
	assert.Equal(t, "+12125550100", blocked.PhoneNumber)

	allowed := gate.Guard(ctx, "acme", "7135550100")
	assert.True(t, allowed.Allowed)
	assert.False(t, allowed.FailOpen)

	assert.Zero(t, logs.Len())
	assert.Equal(t, CircuitClosed, gate.State().State)
}

func TestGate_FailOpenOnStoreOutage(t *testing.T) {
	f := newFixture(t)
	f.mem.FailWith(stderrors.New("connection refused"))
	gate, logs := newTestGate(t, f.svc, config.Defaults().DNC.Gate)

	decision := gate.Guard(testutil.TestContext(t), "acme", "2125550100")

	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailOpen)
	assert.Equal(t, "+12125550100", decision.PhoneNumber)

	entries := logs.FilterMessage("dnc gate fail-open").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, FailOpenStoreUnavailable, fields["reason"])
	assert.Equal(t, "acme", fields["tenant_scope"])
	assert.Equal(t, "+12125550100", fields["phone_number"])
}

func TestGate_InvalidNumberFailsOpenWithoutTrippingBreaker(t *testing.T) {
	checker := &mocks.Checker{}
	cfg := config.Defaults().DNC.Gate
	cfg.FailureThreshold = 1
	gate, logs := newTestGate(t, checker, cfg)

	decision := gate.Guard(testutil.TestContext(t), "acme", "not a number")

	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailOpen)
	assert.Equal(t, "not a number", decision.PhoneNumber)
	assert.Equal(t, FailOpenInvalidFormat, logs.All()[0].ContextMap()["reason"])
	assert.Equal(t, CircuitClosed, gate.State().State)
	checker.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.mem.FailWith(stderrors.New("connection refused"))
	cfg := config.Defaults().DNC.Gate
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = time.Minute
	gate, logs := newTestGate(t, f.svc, cfg)
	ctx := testutil.TestContext(t)

	for range 2 {
		gate.Guard(ctx, "acme", "2125550100")
	}
	calls := f.mem.FailedCalls()
	assert.Equal(t, CircuitOpen, gate.State().State)
	assert.Equal(t, 1, logs.FilterMessage("dnc gate circuit state changed").Len())

	decision := gate.Guard(ctx, "acme", "2125550100")
	assert.True(t, decision.Allowed)
	assert.True(t, decision.FailOpen)
	assert.Equal(t, calls, f.mem.FailedCalls(), "open circuit must not reach the store")

	reasons := make([]interface{}, 0)
	for _, e := range logs.FilterMessage("dnc gate fail-open").All() {
		reasons = append(reasons, e.ContextMap()["reason"])
	}
	assert.Equal(t, []interface{}{FailOpenStoreUnavailable, FailOpenStoreUnavailable, FailOpenCircuitOpen}, reasons)
}

func TestGate_CircuitRecovers(t *testing.T) {
	f := newFixture(t)
	cfg := config.Defaults().DNC.Gate
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	cfg.OpenTimeout = time.Minute
	gate, _ := newTestGate(t, f.svc, cfg)
	now := baseTime
	gate.breaker.clock = func() time.Time { return now }
	ctx := testutil.TestContext(t)

	f.mem.FailWith(stderrors.New("connection refused"))
	gate.Guard(ctx, "acme", "2125550100")
	require.Equal(t, CircuitOpen, gate.State().State)

	f.mem.FailWith(nil)
	now = now.Add(time.Minute)
	decision := gate.Guard(ctx, "acme", "2125550100")
	assert.False(t, decision.FailOpen)
	assert.Equal(t, CircuitClosed, gate.State().State)
}

func TestGate_TimeoutFailsOpen(t *testing.T) {
	checker := &mocks.Checker{}
	checker.On("Check", mock.Anything, "acme", "+12125550100").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	cfg := config.Defaults().DNC.Gate
	cfg.CheckTimeout = 20 * time.Millisecond
	gate, logs := newTestGate(t, checker, cfg)

	decision := gate.Guard(testutil.TestContext(t), "acme", "2125550100")

	assert.True(t, decision.FailOpen)
	assert.Equal(t, FailOpenTimeout, logs.FilterMessage("dnc gate fail-open").All()[0].ContextMap()["reason"])
	checker.AssertExpectations(t)
}

func TestNewGate_Validation(t *testing.T) {
	registry := newNoopMetrics(t)
	cfg := config.Defaults().DNC.Gate

	_, err := NewGate(nil, cfg, &mocks.Checker{}, registry)
	assert.Error(t, err)
	_, err = NewGate(zap.NewNop(), cfg, nil, registry)
	assert.Error(t, err)
	_, err = NewGate(zap.NewNop(), cfg, &mocks.Checker{}, nil)
	assert.Error(t, err)
}
