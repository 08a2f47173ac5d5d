package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	dncsvc "github.com/davidleathers/dnc-compliance-engine/internal/service/dnc"
)

// HealthStatus represents the health status of a dependency
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusWarn HealthStatus = "warn"
	HealthStatusFail HealthStatus = "fail"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker probes one dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (f HealthCheckFunc) Name() string                    { return f.CheckName }
func (f HealthCheckFunc) Check(ctx context.Context) error { return f.Fn(ctx) }

// CheckResult is the outcome of one dependency probe
type CheckResult struct {
	Status   HealthStatus `json:"status"`
	Duration string       `json:"duration"`
	Error    string       `json:"error,omitempty"`
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status  HealthStatus                `json:"status"`
	Version string                      `json:"version"`
	Uptime  string                      `json:"uptime"`
	Checks  map[string]CheckResult      `json:"checks"`
	Gate    *dncsvc.CircuitBreakerStats `json:"gate,omitempty"`
}

// HealthHandler reports dependency health
type HealthHandler struct {
	checkers []HealthChecker
	gate     Gate
	version  string
	started  time.Time
	logger   *zap.Logger
}

// NewHealthHandler creates a health handler. gate may be nil.
func NewHealthHandler(logger *zap.Logger, version string, gate Gate, checkers ...HealthChecker) *HealthHandler {
	return &HealthHandler{
		checkers: checkers,
		gate:     gate,
		version:  version,
		started:  time.Now(),
		logger:   logger,
	}
}

// ServeHTTP runs every probe concurrently. Any failed probe answers 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  HealthStatusPass,
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  make(map[string]CheckResult, len(h.checkers)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, checker := range h.checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: HealthStatusPass, Duration: time.Since(start).String()}
			if err != nil {
				result.Status = HealthStatusFail
				result.Error = err.Error()
				h.logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err))
			}
			mu.Lock()
			resp.Checks[c.Name()] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	for _, result := range resp.Checks {
		if result.Status == HealthStatusFail {
			resp.Status = HealthStatusFail
		}
	}

	// an open gate still serves calls, so it only degrades
	if h.gate != nil {
		stats := h.gate.State()
		resp.Gate = &stats
		if stats.State != dncsvc.CircuitClosed && resp.Status == HealthStatusPass {
			resp.Status = HealthStatusWarn
		}
	}

	status := http.StatusOK
	if resp.Status == HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
