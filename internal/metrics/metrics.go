// Package metrics provides Prometheus instrumentation for the market engine.
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
	// SettlementRuns counts settlement invocations by kind (auction, listing,
	// dividend, valuation) and outcome (ok, error).
	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tribeshares_settlement_runs_total",
		Help: "Settlement runs by kind and outcome",
	}, []string{"kind", "outcome"})

	// SettlementDuration tracks wall time of a full settlement run.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tribeshares_settlement_duration_seconds",
		Help:    "Settlement run duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	// Awards counts per-unit outcomes. result is "committed" or the skip
	// reason (insufficient_funds, insufficient_shares, listing_exhausted,
	// error).
	Awards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tribeshares_awards_total",
		Help: "Awards and transfers by kind and result",
	}, []string{"kind", "result"})

	// SharesMoved is cumulative shares moved into buyer holdings.
	SharesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tribeshares_shares_moved_total",
		Help: "Shares moved into buyer holdings",
	}, []string{"kind"})

	// DividendsPaid is cumulative dividend cash credited, in dollars.
	DividendsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tribeshares_dividends_paid_dollars_total",
		Help: "Dividend cash credited to portfolios",
	})

	// PortfoliosRevalued counts portfolio valuation writes.
	PortfoliosRevalued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tribeshares_portfolios_revalued_total",
		Help: "Portfolio valuations recomputed",
	})

	// OrdersRejected counts bids and listings refused at intake.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tribeshares_orders_rejected_total",
		Help: "Orders rejected at intake by order type",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tribeshares_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tribeshares_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tribeshares_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveRun records the outcome and duration of one settlement run.
func ObserveRun(kind string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SettlementRuns.WithLabelValues(kind, outcome).Inc()
	SettlementDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
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

		// Route pattern keeps IDs out of the label set.
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

// Hijack passes through to the wrapped writer so websocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
