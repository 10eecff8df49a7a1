// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SelectionsTotal counts vault selections by operation and result
	// (exact, greedy, no_match, too_many, error).
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultengine_selections_total",
		Help: "Vault selections by operation and result",
	}, []string{"operation", "result"})

	// SelectionLatency tracks selection latency. Exact enumeration is
	// exponential in the vault count.
	SelectionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultengine_selection_latency_seconds",
		Help:    "Vault selection latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"operation"})

	// PendingMarked counts vaults marked pending by operation kind.
	PendingMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultengine_pending_marked_total",
		Help: "Vaults marked pending after a submitted transaction",
	}, []string{"operation"})

	// PendingReconciled counts pending entries cleared by a snapshot.
	PendingReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultengine_pending_reconciled_total",
		Help: "Pending entries cleared by a confirming snapshot",
	})

	// PendingStale tracks entries older than the stale threshold across all
	// loaded ledgers, as of the last periodic stale report.
	PendingStale = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultengine_pending_stale",
		Help: "Pending entries older than the stale threshold",
	})

	// SnapshotsIngested counts snapshots accepted from the ledger feed.
	SnapshotsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultengine_snapshots_ingested_total",
		Help: "Snapshots ingested from the ledger feed",
	})

	// RepayPlans counts resolved repayment plans by mode and result.
	RepayPlans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultengine_repay_plans_total",
		Help: "Repayment plans resolved by mode and result",
	}, []string{"mode", "result"})

	// GateRejections counts actions rejected by the health-factor gate.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultengine_gate_rejections_total",
		Help: "Actions rejected because the projected position is unhealthy",
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultengine_http_request_duration_seconds",
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

		// User addresses appear in paths; label by route pattern instead.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
