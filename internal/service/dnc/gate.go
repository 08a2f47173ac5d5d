package dnc

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/dnc-compliance-engine/internal/metrics"
)

// Fail-open reasons reported in logs and the dnc.gate.fail_open_total metric
const (
	FailOpenInvalidFormat    = "invalid_format"
	FailOpenStoreUnavailable = "store_unavailable"
	FailOpenCircuitOpen      = "circuit_open"
	FailOpenTimeout          = "timeout"
)

// Gate is the pre-dial filter used by the call flow. It never returns an
// error: when the registry cannot answer, the call is allowed and the
// fail-open is logged and counted.
type Gate struct {
	checker Checker
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Registry
	timeout time.Duration
	tracer  trace.Tracer
	now     func() time.Time
}

// NewGate wraps checker with a circuit breaker configured by cfg
func NewGate(logger *zap.Logger, cfg config.GateConfig, checker Checker, registry *metrics.Registry) (*Gate, error) {
	if logger == nil {
		return nil, errors.NewValidationError("INVALID_LOGGER", "logger cannot be nil")
	}
	if checker == nil {
		return nil, errors.NewValidationError("INVALID_CHECKER", "checker cannot be nil")
	}
	if registry == nil {
		return nil, errors.NewValidationError("INVALID_METRICS", "metrics registry cannot be nil")
	}

	g := &Gate{
		checker: checker,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			Timeout:          cfg.OpenTimeout,
		}),
		logger:  logger.Named("gate"),
		metrics: registry,
		timeout: cfg.CheckTimeout,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	g.breaker.SetStateChangeCallback(func(from, to CircuitState) {
		g.logger.Warn("dnc gate circuit state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	})
	return g, nil
}

// Guard decides whether candidate may be dialled on behalf of tenantScope
func (g *Gate) Guard(ctx context.Context, tenantScope, candidate string) GateDecision {
	ctx, span := g.tracer.Start(ctx, "dnc.Guard")
	defer span.End()

	phone, err := values.NormalizePhone(candidate)
	if err != nil {
		return g.failOpen(ctx, span, tenantScope, candidate, FailOpenInvalidFormat, err)
	}

	checkCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.timeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	var status *dnc.DNCStatus
	err = g.breaker.Execute(checkCtx, func(ctx context.Context) error {
		var checkErr error
		status, checkErr = g.checker.Check(ctx, tenantScope, phone)
		return checkErr
	})
	if err != nil {
		return g.failOpen(ctx, span, tenantScope, phone, classifyFailOpen(err), err)
	}

	decision := GateDecision{
		PhoneNumber: status.PhoneNumber,
		Allowed:     !status.IsOnDNC,
		Source:      status.Source,
		Reason:      status.Reason,
		CheckedAt:   status.CheckedAt,
	}
	span.SetAttributes(attribute.Bool("dnc.allowed", decision.Allowed))
	g.metrics.RecordGateDecision(ctx, decision.Allowed, "")
	return decision
}

// State reports the breaker position for health checks
func (g *Gate) State() CircuitBreakerStats {
	return g.breaker.GetStats()
}

func (g *Gate) failOpen(ctx context.Context, span trace.Span, tenantScope, phone, reason string, err error) GateDecision {
	telemetry.RecordError(span, err)
	span.SetAttributes(
		attribute.Bool("dnc.allowed", true),
		attribute.String("dnc.fail_open_reason", reason),
	)
	telemetry.WithTrace(ctx, g.logger).Warn("dnc gate fail-open",
		zap.String("reason", reason),
		zap.String("tenant_scope", tenantScope),
		zap.String("phone_number", phone),
		zap.Error(err))
	g.metrics.RecordGateDecision(ctx, true, reason)

	return GateDecision{
		PhoneNumber: phone,
		Allowed:     true,
		Reason:      "dnc status unavailable: " + reason,
		FailOpen:    true,
		CheckedAt:   g.now(),
	}
}

func classifyFailOpen(err error) string {
	switch {
	case stderrors.Is(err, ErrCircuitBreakerOpen):
		return FailOpenCircuitOpen
	case stderrors.Is(err, context.DeadlineExceeded):
		return FailOpenTimeout
	case errors.HasCode(err, errors.ErrCodeInvalidFormat):
		return FailOpenInvalidFormat
	default:
		return FailOpenStoreUnavailable
	}
}
