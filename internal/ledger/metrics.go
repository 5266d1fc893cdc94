package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coverpool",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by kind and outcome.",
	}, []string{"op", "outcome"})

	opSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coverpool",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2.5, 10),
	}, []string{"op"})

	movedUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coverpool",
		Subsystem: "ledger",
		Name:      "moved_units_total",
		Help:      "Base units moved by successful operations.",
	}, []string{"op"})

	// BlockHeight mirrors the host block clock.
	BlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coverpool",
		Name:      "block_height",
		Help:      "Current block height.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opSeconds, movedUnits, BlockHeight)
}

// track times one operation. Call the returned func with the operation's
// final error, typically via defer with a named return.
func track(op string, units uint64) func(err error) {
	start := time.Now()
	return func(err error) {
		opSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		opsTotal.WithLabelValues(op, outcome(err)).Inc()
		if err == nil {
			movedUnits.WithLabelValues(op).Add(float64(units))
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ErrDuplicateDeposit):
		return "duplicate"
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount):
		return "rejected"
	default:
		return "error"
	}
}
