// Package metrics provides Prometheus instrumentation for the Halcyon platform.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "halcyon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GateDecisionsTotal counts access gate outcomes.
	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "gate_decisions_total",
			Help:      "Total access gate decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// CreditDeductionsTotal counts credit deduction attempts by result.
	CreditDeductionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "credit_deductions_total",
			Help:      "Total credit deduction attempts by result.",
		},
		[]string{"result"},
	)

	// CreditsDeducted sums credits successfully deducted.
	CreditsDeducted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halcyon",
		Name:      "credits_deducted_total",
		Help:      "Total credits deducted from user and team balances.",
	})

	// EntitlementCacheHits counts entitlement cache lookups that hit.
	EntitlementCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halcyon",
		Name:      "entitlement_cache_hits_total",
		Help:      "Total entitlement cache hits.",
	})

	// EntitlementCacheMisses counts entitlement cache lookups that missed.
	EntitlementCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halcyon",
		Name:      "entitlement_cache_misses_total",
		Help:      "Total entitlement cache misses, including stale-month discards.",
	})

	// EntitlementResolveDuration observes full (uncached) resolver latency.
	EntitlementResolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "halcyon",
		Name:      "entitlement_resolve_duration_seconds",
		Help:      "Uncached entitlement resolution latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// RateLimitExceeded counts denied requests by route pattern.
	RateLimitExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "rate_limit_exceeded_total",
			Help:      "Total requests denied by the rate limiter, by route.",
		},
		[]string{"route"},
	)

	// RateLimitFailOpen counts requests allowed because limiter storage errored.
	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "halcyon",
		Name:      "rate_limit_fail_open_total",
		Help:      "Total requests allowed because rate limit storage was unavailable.",
	})

	// MonthlyResetsTotal counts monthly message counter resets.
	MonthlyResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "monthly_resets_total",
			Help:      "Total monthly message counter resets by trigger.",
		},
		[]string{"trigger"},
	)

	// WebhookEventsTotal counts billing webhook events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "webhook_events_total",
			Help:      "Total billing webhook events processed by type and result.",
		},
		[]string{"type", "result"},
	)

	// OverrideBypassesTotal counts requests admitted via admin override or BYOK.
	OverrideBypassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "override_bypasses_total",
			Help:      "Total requests admitted via a gating bypass, by kind.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcyon", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GateDecisionsTotal,
		CreditDeductionsTotal,
		CreditsDeducted,
		EntitlementCacheHits,
		EntitlementCacheMisses,
		EntitlementResolveDuration,
		RateLimitExceeded,
		RateLimitFailOpen,
		MonthlyResetsTotal,
		WebhookEventsTotal,
		OverrideBypassesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
