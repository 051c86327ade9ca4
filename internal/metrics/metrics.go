// Package metrics
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders submitted to the broker",
		},
		[]string{"side", "type"},
	)

	OrdersFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_filled_total",
			Help: "Orders confirmed filled",
		},
		[]string{"side"},
	)

	OrdersPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_orders_pending_total",
			Help: "Orders left pending after the fill-confirmation window",
		},
	)

	OrdersExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_orders_expired_total",
			Help: "Pending orders canceled or expired by the sweep",
		},
	)

	ExitsByReason = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Exit decisions executed, by reason code",
		},
		[]string{"reason"},
	)

	RealizedPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_realized_pnl_krw",
			Help: "Realized profit of the current trading day in KRW",
		},
	)

	OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Number of currently held symbols",
		},
	)

	DriftCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_drift_corrections_total",
			Help: "Times internal state was corrected from broker truth",
		},
	)
)

// Serve exposes /metrics on addr. Errors are logged, not fatal: the bot
// trades fine without scraping.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics | Server stopped: %v", err)
		}
	}()
}
