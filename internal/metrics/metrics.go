// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntriesTotal counts ledger entries written, partitioned by kind.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_ledger_entries_total",
		Help: "Total number of ledger entries posted",
	}, []string{"kind"})

	// PostingFailures counts rejected postings by error code.
	PostingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_ledger_posting_failures_total",
		Help: "Ledger postings rolled back, by error code",
	}, []string{"code"})

	// PostingLatency tracks the duration of a ledger posting.
	PostingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "p2p_ledger_posting_latency_seconds",
		Help:    "Ledger posting latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OrderTransitions counts P2P order state transitions.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_order_transitions_total",
		Help: "P2P order state transitions",
	}, []string{"to"})

	// TradesTotal counts spot fills, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_spot_trades_total",
		Help: "Total number of spot trades executed",
	}, []string{"side"})

	// PositionsTotal counts futures position events.
	PositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_future_positions_total",
		Help: "Futures positions opened and closed",
	}, []string{"event", "side"})

	// ReconciliationMismatches is the number of wallets whose balance did not
	// match its entry replay in the last reconciliation run.
	ReconciliationMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_reconciliation_mismatches",
		Help: "Wallets failing ledger replay in the last run",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p2p_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by the mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routeTemplate(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
