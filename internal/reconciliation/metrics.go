package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileOrphanedOffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo",
		Subsystem: "reconciliation",
		Name:      "orphaned_offers",
		Help:      "Accepted offers without an order found in last reconciliation run.",
	})

	reconcileMissingHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo",
		Subsystem: "reconciliation",
		Name:      "missing_holds",
		Help:      "Delivered orders without an escrow hold found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "karroo",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileOrphanedOffers,
		reconcileMissingHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
