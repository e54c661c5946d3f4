package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/veridian-auth/veridian/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyPrincipal holds the extracted *auth.Principal.
	contextKeyPrincipal contextKey = iota
)

// Principal is a middleware that extracts the request identity (session,
// bearer token, API key) once per request and stores it in the context.
// Extraction never rejects — the handlers decide what they require.
func Principal(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := svc.PrincipalFromRequest(r.Context(), r)
			ctx := context.WithValue(r.Context(), contextKeyPrincipal, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// principalFromCtx retrieves the principal stored by the Principal middleware.
func principalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*auth.Principal)
	if p == nil {
		p = &auth.Principal{}
	}
	return p
}

// RequestLogger logs each request through zap with method, path, status,
// and latency. middleware.RequestID is expected to run earlier.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veridian_http_requests_total",
		Help: "HTTP requests by method and status.",
	}, []string{"method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veridian_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Metrics records Prometheus counters and latencies per request. Paths are
// deliberately not a label — auth codes and kids would explode cardinality.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method))
			next.ServeHTTP(ww, r)
			timer.ObserveDuration()
			httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		})
	}
}
