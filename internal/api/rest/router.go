package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

const serviceName = "dnc-compliance-engine"

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Logger  *zap.Logger
	Server  config.ServerConfig
	Service dncsvc.Service
	Gate    Gate
	Sweeper Sweeper
	// MaxUploadBytes bounds the multipart body of an upload
	MaxUploadBytes int64
	HealthCheckers []HealthChecker
	// Registerer and Gatherer back the HTTP metrics and /metrics.
	// They default to the Prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Version    string
}

// NewRouter builds the API handler with its middleware stack
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("router: logger is required")
	}
	if cfg.Service == nil || cfg.Gate == nil || cfg.Sweeper == nil {
		return nil, fmt.Errorf("router: service, gate and sweeper are required")
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger.Named("http")

	base := NewBaseHandler(logger, cfg.Server.Debug)
	handler := NewDNCHandler(base, cfg.Service, cfg.Gate, cfg.Sweeper, cfg.MaxUploadBytes)
	health := NewHealthHandler(logger, cfg.Version, cfg.Gate, cfg.HealthCheckers...)

	tenant := NewMiddlewareChain(TenantMiddleware(base))
	limited := NewMiddlewareChain(TenantMiddleware(base), NewRateLimiter(cfg.Server.RateLimit, base).Middleware())

	mux := http.NewServeMux()

	// Upload ledger
	mux.Handle("POST /api/v1/dnc/uploads", tenant.Then(http.HandlerFunc(handler.UploadList)))
	mux.Handle("GET /api/v1/dnc/uploads", tenant.Then(http.HandlerFunc(handler.ListUploads)))
	mux.Handle("GET /api/v1/dnc/uploads/stale", tenant.Then(http.HandlerFunc(handler.StaleUploads)))
	mux.Handle("GET /api/v1/dnc/uploads/{id}", tenant.Then(http.HandlerFunc(handler.GetUpload)))
	mux.Handle("DELETE /api/v1/dnc/uploads/{id}/entries", tenant.Then(http.HandlerFunc(handler.RollbackUpload)))

	// Lookups
	mux.Handle("GET /api/v1/dnc/check/{phoneNumber}", limited.Then(http.HandlerFunc(handler.CheckNumber)))
	mux.Handle("POST /api/v1/dnc/check/batch", limited.Then(http.HandlerFunc(handler.CheckBatch)))
	// The call flow must always get a decision; the gate's breaker bounds store load instead.
	mux.Handle("GET /api/v1/dnc/guard/{phoneNumber}", tenant.Then(http.HandlerFunc(handler.GuardCall)))

	// Internal opt-outs
	mux.Handle("POST /api/v1/dnc/internal", tenant.Then(http.HandlerFunc(handler.AddOptOut)))
	mux.Handle("POST /api/v1/dnc/internal/remove", tenant.Then(http.HandlerFunc(handler.RemoveOptOut)))
	mux.Handle("GET /api/v1/dnc/internal/{phoneNumber}", tenant.Then(http.HandlerFunc(handler.GetOptOut)))

	mux.Handle("GET /api/v1/dnc/stats", tenant.Then(http.HandlerFunc(handler.Stats)))
	mux.HandleFunc("POST /api/v1/dnc/cleanup", handler.Cleanup)

	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", MetricsHandler(cfg.Gatherer))

	middlewares := []Middleware{
		RecoveryMiddleware(logger, base.errorHandler),
		RequestIDMiddleware(),
		SecurityHeadersMiddleware(),
		TracingMiddleware(serviceName),
		NewHTTPMetrics(cfg.Registerer).Middleware(),
		RequestLoggingMiddleware(logger),
	}
	if cfg.Server.ValidateContract {
		validator, err := NewContractValidator(context.Background())
		if err != nil {
			return nil, err
		}
		middlewares = append(middlewares, ContractValidationMiddleware(validator, base))
	}

	return NewMiddlewareChain(middlewares...).Then(mux), nil
}
