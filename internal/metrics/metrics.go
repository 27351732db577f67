// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksReceived counts valid ticks accepted by the price feed router.
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_ticks_received_total",
		Help: "Valid price ticks accepted by the feed router",
	}, []string{"market"})

	// TicksDropped counts malformed ticks discarded on ingest.
	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vte_ticks_dropped_total",
		Help: "Malformed price ticks dropped by the feed router",
	})

	// OrdersSubmitted counts accepted order submissions.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_orders_submitted_total",
		Help: "Orders accepted at submission",
	}, []string{"type", "market"})

	// OrdersFilled counts successful fills.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_orders_filled_total",
		Help: "Orders filled",
	}, []string{"type", "market"})

	// OrdersRejected counts rejections partitioned by cause.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_orders_rejected_total",
		Help: "Orders rejected",
	}, []string{"reason"})

	// MutationQueueDepth tracks operations waiting in the mutation queue.
	MutationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vte_mutation_queue_depth",
		Help: "Operations waiting in the mutation queue",
	})

	// WebSocketClients tracks connected price-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vte_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vte_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
