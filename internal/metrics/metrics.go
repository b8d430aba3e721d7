// Package metrics holds the Prometheus instruments the bot updates during
// operation, served at /metrics by the API server:
//   - bot_decisions_total{outcome,reason}   – admission outcomes
//   - bot_orders_total{mode,side,role}      – orders placed
//   - bot_order_fallbacks_total             – margin→spot fallbacks taken
//   - bot_reconcile_passes_total{result}    – reconciliation sweeps (ok|error)
//   - bot_reconcile_ambiguous_total         – two-read disagreements
//   - bot_alerts_total{delivered}           – alert sends (true|false)
//   - bot_open_positions{symbol}            – last counted open positions
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Admission outcomes by outcome and reason code",
		},
		[]string{"outcome", "reason"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed by mode, side and role",
		},
		[]string{"mode", "side", "role"},
	)

	OrderFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_order_fallbacks_total",
			Help: "Margin entry orders retried as spot after an auth failure",
		},
	)

	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_reconcile_passes_total",
			Help: "Reconciliation sweeps by result (ok|error)",
		},
		[]string{"result"},
	)

	ReconcileAmbiguous = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_reconcile_ambiguous_total",
			Help: "Order state reads that disagreed after the settle delay",
		},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_alerts_total",
			Help: "Alert deliveries by success (true|false)",
		},
		[]string{"delivered"},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open position count per symbol from the last admission check",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		Decisions,
		Orders,
		OrderFallbacks,
		ReconcilePasses,
		ReconcileAmbiguous,
		Alerts,
		OpenPositions,
	)
}
