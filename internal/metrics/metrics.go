// Package metrics provides Prometheus instrumentation for the vault daemon.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/math"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-vault/internal/model"
)

var (
	// OperationsTotal counts committed user operations by kind
	// (deposit, withdraw, profit_withdraw).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operations_total",
		Help: "Committed vault operations",
	}, []string{"kind"})

	// AssetsMoved sums assets moved by user operations, in base units.
	AssetsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_assets_moved_total",
		Help: "Assets moved by user operations, in base units",
	}, []string{"kind"})

	// RebalancesTotal counts rebalances that moved funds, by direction.
	RebalancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_rebalances_total",
		Help: "Rebalances that moved funds",
	}, []string{"direction"})

	// RebalanceFailures counts absorbed best-effort rebalance failures.
	RebalanceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_rebalance_failures_total",
		Help: "Best-effort rebalance failures absorbed by an operation",
	}, []string{"step"})

	// Rejections counts operations refused by the engine, by error class
	// and code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_rejections_total",
		Help: "Operations rejected by the vault",
	}, []string{"class", "code"})

	// TotalAssets tracks managed value (local plus strategy).
	TotalAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_total_assets",
		Help: "Managed value in base units",
	})

	// LocalBalance tracks assets held by the vault itself.
	LocalBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_local_balance",
		Help: "Idle assets held by the vault in base units",
	})

	// StrategyBalance tracks assets reported by the strategy.
	StrategyBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_strategy_balance",
		Help: "Assets held by the strategy in base units",
	})

	// TotalShares tracks outstanding shares.
	TotalShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_total_shares",
		Help: "Outstanding vault shares",
	})

	// LiquidityRatio tracks the local liquidity ratio in basis points.
	LiquidityRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_liquidity_ratio_bps",
		Help: "Local balance over managed value, in basis points",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveEvent updates the operation counters for one vault event.
func ObserveEvent(e model.Event) {
	switch e.Type {
	case model.EventDeposit, model.EventWithdraw, model.EventProfitWithdraw:
		OperationsTotal.WithLabelValues(string(e.Type)).Inc()
		AssetsMoved.WithLabelValues(string(e.Type)).Add(Float(e.Assets))
	case model.EventRebalance:
		RebalancesTotal.WithLabelValues(e.Direction).Inc()
	case model.EventRebalanceFailed:
		RebalanceFailures.WithLabelValues(e.Param).Inc()
	}
}

// ObserveStats sets the balance gauges from a vault snapshot.
func ObserveStats(s model.VaultStats) {
	TotalAssets.Set(Float(s.TotalAssets))
	LocalBalance.Set(Float(s.LocalBalance))
	StrategyBalance.Set(Float(s.StrategyBalance))
	TotalShares.Set(Float(s.TotalShares))
	LiquidityRatio.Set(float64(s.LiquidityRatioBPS))
}

// ObserveRejection counts a refused operation.
func ObserveRejection(class string, code uint32) {
	Rejections.WithLabelValues(class, strconv.FormatUint(uint64(code), 10)).Inc()
}

// Float converts a base-unit amount for a gauge. Precision loss above 2^53
// is acceptable for monitoring.
func Float(i math.Int) float64 {
	if i.IsNil() {
		return 0
	}
	f, _ := decimal.NewFromBigInt(i.BigInt(), 0).Float64()
	return f
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
