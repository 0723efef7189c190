// Package telemetry provides application-level observability for the
// management console.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<APIM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped by a Prometheus server
// every 15–60 seconds.
//
// # Metric Groups
//
//   - Plan lifecycle transition counters (publish, deprecate, close, ...)
//   - Subscription lifecycle transition counters
//   - API key operation counters (generate, renew, revoke, ...)
//   - Expiry notification counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Lifecycle metrics are labelled by operation name only, never by entity ID,
// to prevent unbounded label cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Plan lifecycle metrics.
//
// PlanTransitionsTotal is a CounterVec with label {operation} incremented on
// each successful plan lifecycle transition. Operation values: create,
// update, publish, deprecate, close, delete.
//
// Example PromQL queries:
//   - Publish rate:  rate(plan_transitions_total{operation="publish"}[1h])
//   - All activity:  sum by (operation) (rate(plan_transitions_total[1h]))
var PlanTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plan_transitions_total",
		Help: "Total number of successful plan lifecycle transitions, by operation.",
	},
	[]string{"operation"},
)

// Subscription lifecycle metrics.
//
// SubscriptionTransitionsTotal is a CounterVec with label {operation}.
// Operation values: create, accept, reject, close, pause, resume, restore,
// transfer, update, delete.
//
// Example PromQL queries:
//   - Rejection ratio:  rate(subscription_transitions_total{operation="reject"}[1d]) / rate(subscription_transitions_total{operation="create"}[1d])
var SubscriptionTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "subscription_transitions_total",
		Help: "Total number of successful subscription lifecycle transitions, by operation.",
	},
	[]string{"operation"},
)

// API key metrics.
//
// APIKeyOperationsTotal is a CounterVec with label {operation}. Operation
// values: generate, renew, revoke, reactivate, expire.
//
// Example PromQL queries:
//   - Renewal rate:  rate(apikey_operations_total{operation="renew"}[1d])
//   - Revocations:   increase(apikey_operations_total{operation="revoke"}[1h])
var APIKeyOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apikey_operations_total",
		Help: "Total number of successful API key operations, by operation.",
	},
	[]string{"operation"},
)

// ExpiryNotificationsSentTotal is a CounterVec with label {kind}
// ("subscription" or "api_key") incremented once per expiry warning
// successfully delivered by the background notifier jobs. A stalled counter
// combined with entities approaching expiry is a useful alert signal for
// SMTP delivery failures.
//
// Example PromQL queries:
//   - Rate of notifications sent:  rate(expiry_notifications_sent_total[24h])
var ExpiryNotificationsSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "expiry_notifications_sent_total",
		Help: "Total number of expiry warning notifications successfully sent, by kind.",
	},
	[]string{"kind"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <APIM_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
