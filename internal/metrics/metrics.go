// Package metrics provides Prometheus instrumentation for the Karroo platform.
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
			Namespace: "karroo",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "karroo",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Offer metrics ---

	OffersProposedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "offers_proposed_total",
		Help:      "Total offers proposed.",
	})

	OffersCounteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "offers_countered_total",
		Help:      "Total seller counter-offers.",
	})

	OffersResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "offers_resolved_total",
		Help:      "Total offers resolved by terminal status.",
	}, []string{"status"})

	OfferRaceLossesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "offer_race_losses_total",
		Help:      "Total offer transitions rejected by the status compare-and-swap.",
	})

	// --- Order metrics ---

	OrdersMaterializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "orders_materialized_total",
		Help:      "Total orders materialized from accepted offers.",
	})

	DeliveriesConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "deliveries_confirmed_total",
		Help:      "Total buyer delivery confirmations.",
	})

	// --- Escrow metrics ---

	HoldsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "escrow_holds_started_total",
		Help:      "Total escrow holds started.",
	})

	HoldsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "escrow_holds_released_total",
		Help:      "Total escrow holds auto-released to sellers.",
	})

	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	DisputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by outcome.",
	}, []string{"outcome"})

	HoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "karroo",
		Name:      "escrow_hold_duration_seconds",
		Help:      "Time from hold creation to release in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 172800, 259200, 604800},
	})

	// --- Repair sweep metrics ---

	HoldRepairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "hold_repairs_total",
		Help:      "Total escrow holds created by the lazy repair sweep.",
	})

	OrderRepairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "order_repairs_total",
		Help:      "Total orders materialized by the lazy repair sweep.",
	})

	// --- Guard metrics ---

	MessagesRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "messages_rate_limited_total",
		Help:      "Total chat messages rejected by the sliding-window limiter.",
	})

	MessagesBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "karroo",
		Name:      "messages_blocked_total",
		Help:      "Total chat messages blocked by the content classifier.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "karroo",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "karroo",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "karroo", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OffersProposedTotal,
		OffersCounteredTotal,
		OffersResolvedTotal,
		OfferRaceLossesTotal,
		OrdersMaterializedTotal,
		DeliveriesConfirmedTotal,
		HoldsStartedTotal,
		HoldsReleasedTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		HoldDuration,
		HoldRepairsTotal,
		OrderRepairsTotal,
		MessagesRateLimitedTotal,
		MessagesBlockedTotal,
		ActiveWebSocketClients,
		WebhookDeliveriesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
