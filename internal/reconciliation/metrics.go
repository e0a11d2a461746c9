package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcilePendingSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "pending_settlements",
		Help:      "Settlements still awaiting receipt confirmation after the last run.",
	})

	reconcileAwaitingDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "awaiting_disputes",
		Help:      "Disputes whose payout was still unconfirmed after the last run.",
	})

	reconcileExpiredSettlements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "expired_settlements_total",
		Help:      "Settlements moved out of submitting after being abandoned.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePendingSettlements,
		reconcileAwaitingDisputes,
		reconcileExpiredSettlements,
		reconcileDuration,
		reconcileErrors,
	)
}
