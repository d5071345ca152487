// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by name and outcome. The
	// result label is "ok" or the error kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operations_total",
		Help: "Total engine operations by result",
	}, []string{"op", "result"})

	// OperationLatency tracks engine operation latency, journal commit included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PoolTotalAssets is each vault's backing balance in token units.
	PoolTotalAssets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_pool_total_assets",
		Help: "Backing assets held by each vault, in tokens",
	}, []string{"pool"})

	// PoolTotalShares is each vault's outstanding share supply.
	PoolTotalShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_pool_total_shares",
		Help: "Outstanding shares of each vault",
	}, []string{"pool"})

	// ActiveLoans tracks the number of open loans.
	ActiveLoans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_active_loans",
		Help: "Number of currently active loans",
	})

	// OutstandingPrincipal is the principal disbursed and not yet closed.
	OutstandingPrincipal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_outstanding_principal",
		Help: "Principal of active loans, in tokens",
	})

	// LoanEvents counts loan lifecycle transitions.
	LoanEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_loan_events_total",
		Help: "Loans issued, repaid and liquidated",
	}, []string{"event"})

	// BorrowCapRejections counts loans rejected by the borrow limiter.
	BorrowCapRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_borrow_cap_rejections_total",
		Help: "Loans rejected by the borrow limiter",
	})

	// KeeperSweeps counts liquidation keeper runs by outcome.
	KeeperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_keeper_sweeps_total",
		Help: "Liquidation keeper sweeps",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
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
		// The chi wrapper keeps http.Hijacker, which the WebSocket
		// upgrade needs.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
