// Package metrics provides Prometheus instrumentation for the coverage engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coverpool"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EngineOpsTotal counts engine entry point calls by operation and result
	// (ok or the error code).
	EngineOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_operations_total",
			Help:      "Total engine operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// EngineOpDuration observes engine operation latency, gate wait included.
	EngineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_operation_duration_seconds",
			Help:      "Engine operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// PoolBalance tracks each protocol pool counter in base units.
	PoolBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_balance",
			Help:      "Protocol pool balances in base units.",
		},
		[]string{"pool"},
	)

	// PoliciesTotal tracks the lifetime count of purchased policies.
	PoliciesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "policies_total",
		Help:      "Total policies purchased.",
	})

	// OpenClaims tracks claims awaiting adjudication.
	OpenClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_claims",
		Help:      "Claims awaiting adjudication.",
	})

	// ClaimsAdjudicatedTotal counts adjudications by verdict.
	ClaimsAdjudicatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_adjudicated_total",
			Help:      "Total adjudicated claims by verdict.",
		},
		[]string{"verdict"},
	)

	// CompensationsTotal counts reverse transfers issued after a failed
	// commit, by outcome. Any "failed" sample needs operator attention.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating ledger transfers by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconciliationDrift is custody balance minus pool total, in base units.
	ReconciliationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_drift",
		Help:      "Custody ledger balance minus the sum of pool counters.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EngineOpsTotal,
		EngineOpDuration,
		PoolBalance,
		PoliciesTotal,
		OpenClaims,
		ClaimsAdjudicatedTotal,
		CompensationsTotal,
		ReconciliationDrift,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveEngineOp records one engine call.
func ObserveEngineOp(op, result string, elapsed time.Duration) {
	EngineOpsTotal.WithLabelValues(op, result).Inc()
	EngineOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetPools publishes the pool counters and protocol totals.
func SetPools(reserve, stake, reward, totalPolicies, activeClaims uint64) {
	PoolBalance.WithLabelValues("reserve").Set(float64(reserve))
	PoolBalance.WithLabelValues("stake").Set(float64(stake))
	PoolBalance.WithLabelValues("reward").Set(float64(reward))
	PoliciesTotal.Set(float64(totalPolicies))
	OpenClaims.Set(float64(activeClaims))
}

// StartDBStatsCollector periodically exports database pool stats.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern. Paths
// that match no route share one label so scanners cannot blow up the
// series count.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
