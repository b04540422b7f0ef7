// Package metrics provides Prometheus instrumentation for the ledger service.
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

var (
	// TransactionsTotal counts applied ledger operations by transaction type
	// and operation (submit, amend, delete).
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Total number of applied ledger operations",
	}, []string{"type", "op"})

	// RejectionsTotal counts ledger operations rejected by validation,
	// partitioned by error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger operations rejected, by reason",
	}, []string{"op", "reason"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Ledger mutation latency in seconds, including persistence",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// LoadedBooks tracks the number of user books held in memory.
	LoadedBooks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_loaded_books",
		Help: "Number of user books held in memory",
	})

	// QuoteRequests counts quote lookups by provider and outcome.
	QuoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quote_requests_total",
		Help: "Quote lookups by provider and outcome",
	}, []string{"provider", "outcome"})

	// AssetsImported counts asset rows upserted or skipped by the CSV importer.
	AssetsImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_assets_imported_total",
		Help: "CSV asset rows by result",
	}, []string{"market_type", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Label by route pattern, not raw path: user and transaction IDs
		// would explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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
