package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coverpool",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Reconciliation runs where custody balance differed from the pool total.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coverpool",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coverpool",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
