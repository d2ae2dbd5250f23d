// Package metrics provides Prometheus instrumentation for the wreckage engine.
package metrics

import (
	"bufio"
	"errors"
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
	// EventsSubmitted counts accepted wreckage events by asset.
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_events_submitted_total",
		Help: "Wreckage events accepted for processing",
	}, []string{"asset"})

	// EventsFinished counts events reaching a terminal status.
	EventsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_events_finished_total",
		Help: "Wreckage events reaching SETTLED or REJECTED",
	}, []string{"status"})

	// ResolvedAmount tracks USD resolved per tier.
	ResolvedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_resolved_usd_total",
		Help: "USD amount of wreckage resolved, by tier",
	}, []string{"tier"})

	// Minted tracks reward tokens computed per tier.
	Minted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_minted_tokens_total",
		Help: "Reward tokens computed, by tier",
	}, []string{"tier"})

	// ProcessingLatency measures submit-to-terminal time.
	ProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wreckage_processing_latency_seconds",
		Help:    "Time from submission to terminal status",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// MatchesTotal counts P2P matches created.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wreckage_matches_total",
		Help: "Peer-to-peer exposure matches created",
	})

	// RoutesCommitted counts committed routes by kind (single, path, split).
	RoutesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_routes_committed_total",
		Help: "Routes committed against venue capacity",
	}, []string{"kind"})

	// RouteCommitConflicts counts reservations lost to concurrent callers.
	RouteCommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wreckage_route_commit_conflicts_total",
		Help: "Route reservations that failed and triggered a re-plan",
	})

	// RouteCostBps records cumulative cost of committed routes.
	RouteCostBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wreckage_route_cost_bps",
		Help:    "Cumulative cost of committed routes in basis points",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 40, 50},
	})

	// FallbackCalls counts market-maker calls by outcome.
	FallbackCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_fallback_calls_total",
		Help: "Fallback market-maker calls by outcome",
	}, []string{"outcome"})

	// QueueDepth tracks events waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_queue_depth",
		Help: "Wreckage events queued for processing",
	})

	// Rebalances counts published capital allocations.
	Rebalances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wreckage_rebalances_total",
		Help: "Capital allocation snapshots published",
	})

	// RoutablePool tracks the latest routable pool size.
	RoutablePool = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_routable_pool_usd",
		Help: "Routable pool in the latest capital allocation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wreckage_http_request_duration_seconds",
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

		// Label by route pattern so ids in the path don't explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
