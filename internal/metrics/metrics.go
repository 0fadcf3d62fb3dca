// Package metrics provides Prometheus instrumentation for the ledger.
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
	// TradesTotal counts committed trades, partitioned by kind (buy, sell).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_trades_total",
		Help: "Total number of trades committed",
	}, []string{"kind"})

	// TradeLatency covers lock acquisition through commit.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RejectionsTotal counts operations refused with a domain rejection or
	// Unavailable, by operation and error code.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_rejections_total",
		Help: "Operations rejected, by operation and error code",
	}, []string{"op", "code"})

	// LockWait tracks time spent waiting for keyed locks.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledger_lock_wait_seconds",
		Help:    "Time spent acquiring market and account locks",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	// MarketVolume tracks cumulative traded shares per market and option.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_market_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id", "option"})

	// OpenMarkets is refreshed by the sweeper each tick.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pledger_open_markets",
		Help: "Number of markets accepting trades",
	})

	// SettlementsTotal counts closed markets by outcome (resolved, expired).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_settlements_total",
		Help: "Markets closed, by outcome",
	}, []string{"outcome"})

	// PayoutAmount accumulates credits paid to winning holders.
	PayoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pledger_payout_amount_total",
		Help: "Total balance paid out on resolution",
	})

	// RankTransitions counts tier changes reported to the role sink.
	RankTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pledger_rank_transitions_total",
		Help: "Rank tier transitions caused by settlement",
	})

	// EventsPublished counts outbound events per sink and status.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_events_published_total",
		Help: "Outbound events delivered to sinks",
	}, []string{"sink", "kind", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledger_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the label set bounded.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
