package rest

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

const (
	headerRequestID = "X-Request-ID"
	headerTenantID  = "X-Tenant-ID"
	headerTraceID   = "X-Trace-ID"

	maxTenantIDLength = 128
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantKey    contextKey = "tenant_scope"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// MiddlewareChain applies middlewares in order; the first one is outermost
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewMiddlewareChain creates a chain from middlewares
func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{middlewares: middlewares}
}

// Then wraps h with every middleware in the chain
func (c *MiddlewareChain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// responseWriter captures the status code for logging and metrics
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RecoveryMiddleware turns handler panics into 500 envelopes
func RecoveryMiddleware(logger *zap.Logger, errorHandler *ErrorHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					telemetry.WithTrace(r.Context(), logger).Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))

					resp := errorHandler.HandlePanic(rec)
					resp.RequestID = requestIDFromContext(r.Context())
					writeJSON(w, http.StatusInternalServerError, ResponseEnvelope{Error: &resp})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware propagates or assigns X-Request-ID
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(headerRequestID)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.New().String()
			}
			w.Header().Set(headerRequestID, requestID)
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// SecurityHeadersMiddleware sets conservative response headers
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// TracingMiddleware starts a server span per request
func TracingMiddleware(serviceName string) Middleware {
	tracer := otel.Tracer(serviceName)
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.request_id", requestIDFromContext(r.Context())),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				w.Header().Set(headerTraceID, sc.TraceID().String())
			}

			rw := newResponseWriter(w)
			req := r.WithContext(ctx)
			next.ServeHTTP(rw, req)

			// the mux records the matched route on the request it was handed
			if req.Pattern != "" {
				span.SetName(req.Pattern)
			}
			span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
			if rw.statusCode >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}
		})
	}
}

// RequestLoggingMiddleware logs one line per request
func RequestLoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestIDFromContext(r.Context())),
				zap.String("tenant_scope", r.Header.Get(headerTenantID)),
			}
			log := telemetry.WithTrace(r.Context(), logger)
			if rw.statusCode >= http.StatusInternalServerError {
				log.Warn("request completed", fields...)
				return
			}
			log.Debug("request completed", fields...)
		})
	}
}

// TenantMiddleware reads the tenant scope from X-Tenant-ID. An absent
// header selects the global scope.
func TenantMiddleware(base *BaseHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := r.Header.Get(headerTenantID)
			if tenant != "" && (len(tenant) > maxTenantIDLength || !tenantIDPattern.MatchString(tenant)) {
				base.WriteErrorResponse(w, r, &ValidationError{Fields: []FieldError{{
					Field:   headerTenantID,
					Message: fmt.Sprintf("must be at most %d characters of letters, digits, '.', '_', ':' or '-'", maxTenantIDLength),
				}}}, nil)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant scope set by TenantMiddleware
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

const (
	// limiterIdleTTL is how long an unused tenant bucket is kept. A bucket
	// idle this long has refilled completely, so dropping it loses nothing.
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneEvery = time.Minute
)

type tenantLimiter struct {
	*rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter keeps one token bucket per tenant scope. Buckets of tenants
// that go quiet are evicted, so arbitrary X-Tenant-ID values cannot grow
// the map without bound.
type RateLimiter struct {
	limiters  sync.Map // tenant -> *tenantLimiter
	rps       rate.Limit
	burst     int
	base      *BaseHandler
	now       func() time.Time
	lastPrune atomic.Int64
}

// NewRateLimiter creates a per-tenant limiter
func NewRateLimiter(cfg config.RateLimitConfig, base *BaseHandler) *RateLimiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerSecond
	}
	return &RateLimiter{
		rps:   rate.Limit(cfg.RequestsPerSecond),
		burst: burst,
		base:  base,
		now:   time.Now,
	}
}

func (rl *RateLimiter) limiter(tenant string) *rate.Limiter {
	now := rl.now()
	rl.prune(now)

	v, ok := rl.limiters.Load(tenant)
	if !ok {
		v, _ = rl.limiters.LoadOrStore(tenant, &tenantLimiter{Limiter: rate.NewLimiter(rl.rps, rl.burst)})
	}
	l := v.(*tenantLimiter)
	l.lastSeen.Store(now.UnixNano())
	return l.Limiter
}

// prune drops idle buckets at most once per limiterPruneEvery
func (rl *RateLimiter) prune(now time.Time) {
	last := rl.lastPrune.Load()
	if now.UnixNano()-last < int64(limiterPruneEvery) || !rl.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-limiterIdleTTL).UnixNano()
	rl.limiters.Range(func(key, v any) bool {
		if v.(*tenantLimiter).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// size reports how many tenant buckets are held
func (rl *RateLimiter) size() int {
	n := 0
	rl.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Middleware rejects requests over the tenant's budget with 429
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if rl.rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := rl.limiter(TenantFromContext(r.Context()))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))

			if !l.Allow() {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				rl.base.WriteErrorResponse(w, r, errors.NewRateLimitError("rate limit exceeded for tenant"), nil)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))
			next.ServeHTTP(w, r)
		})
	}
}
