// Package metrics provides Prometheus instrumentation for the trading desk.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts orders rejected by validation, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_trade_rejections_total",
		Help: "Orders rejected before reaching the ledger",
	}, []string{"code"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_trade_latency_seconds",
		Help:    "Trade validation and commit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeVolume tracks cumulative traded shares per ticker.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"ticker", "side"})

	// PriceTicks counts ticks received from the feed; applied is "true" when
	// the tick marked an open position.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_price_ticks_total",
		Help: "Price ticks received from the market data feed",
	}, []string{"applied"})

	// FeedState exposes the feed consumer's connection state as an enum
	// index (see feed.State).
	FeedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_feed_state",
		Help: "Market data feed connection state",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradedesk_feed_reconnects_total",
		Help: "Reconnect attempts made by the market data feed",
	})

	FeedMalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradedesk_feed_malformed_messages_total",
		Help: "Feed messages dropped because they could not be parsed",
	})

	// PortfolioValue tracks the mark-to-market account value.
	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_portfolio_current_balance",
		Help: "Cash plus market value of open positions",
	})

	// WebSocketClients tracks connected dashboard WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_websocket_clients",
		Help: "Number of connected dashboard WebSocket clients",
	})

	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_backend_requests_total",
		Help: "Requests sent to the external trading backend",
	}, []string{"endpoint", "status"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_http_request_duration_seconds",
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

		// Label by route pattern to keep cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
