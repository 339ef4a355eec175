// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeExecuted  = "executed"
	OutcomeCancelled = "cancelled"
	OutcomeFrozen    = "frozen"
	OutcomeRejected  = "rejected"
)

var (
	// RequestsTotal counts request transitions by kind and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_requests_total",
		Help: "Requests processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// ExecutionLatency tracks keeper execution steps by kind.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_execution_latency_seconds",
		Help:    "Execution step latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ActiveMarkets tracks the number of markets created.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_active_markets",
		Help: "Number of markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// Liquidations counts positions closed by liquidation keepers.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidations_total",
		Help: "Positions liquidated",
	}, []string{"market", "side"})

	// AdlEnabled is 1 while a market side is flagged for auto-deleveraging.
	AdlEnabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_adl_enabled",
		Help: "Auto-deleveraging flag per market side",
	}, []string{"market", "side"})

	// PositionVolume tracks cumulative position size changes in USD.
	PositionVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_position_volume_usd_total",
		Help: "Cumulative position size delta in USD",
	}, []string{"market", "side"})

	// CallbackFailures counts callback targets that errored or panicked.
	CallbackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_callback_failures_total",
		Help: "Callback notifications that failed",
	}, []string{"event"})
)

// Side labels a long or short metric series.
func Side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps ids out of the path label.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
