// Package telemetry provides application-level observability for the welcome service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<WELCOME_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router and
// is therefore absent from the generated API documentation.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Welcome configuration update and lookup counters
//   - Lifecycle sub-action counters and latency histograms
//   - Gateway event and reconnect counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/guilds/:guild_id/welcome)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as guild ids.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/guildkit/welcomer/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.WelcomeActionsTotal.WithLabelValues("member_add", "role_grant", "sent").Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by route group, method, route template and status code.
//
// The group label is "welcome" for the per-guild configuration routes, "system" for
// health, readiness and version, and "unmatched" for requests that matched no route.
//
// HTTPRequestsTotal is a CounterVec with labels {group, method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/guilds/:guild_id/welcome),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Configuration API rate:  sum(rate(http_requests_total{group="welcome"}[5m]))
//   - Error rate (%):          sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Scanner noise:           rate(http_requests_total{group="unmatched"}[5m])
//
// HTTPRequestDuration is a HistogramVec with labels {group, method, path} and
// exponential-ish buckets from 5 ms to 30 s.
//
// Example PromQL queries:
//   - p99 latency per route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//
// WelcomeAPIRequestsTotal is a CounterVec with labels {operation, outcome} covering the
// guild routes only: operation is "read" or "update", outcome is "ok", "rejected" (4xx)
// or "failed" (5xx).
//
// Example PromQL queries:
//   - Rejected updates per hour:  increase(welcome_api_requests_total{operation="update",outcome="rejected"}[1h])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by route group, method, route template, and status code.",
		},
		[]string{"group", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by route group, method, and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"group", "method", "path"},
	)

	// HTTPRequestsInFlight is the number of requests currently being served, by route group.
	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served, by route group.",
		},
		[]string{"group"},
	)

	WelcomeAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcome_api_requests_total",
			Help: "Total number of welcome configuration API requests, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// HTTPRateLimitedTotal counts requests rejected with 429, by limiter backend
	// ("memory" or "redis").
	HTTPRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total number of HTTP requests rejected by the rate limiter, by limiter backend.",
		},
		[]string{"backend"},
	)
)

// Configuration store metrics, recorded by services.ConfigStore.
//
// WelcomeConfigUpdatesTotal is a CounterVec with label {result}: "ok" when a partial
// update committed, otherwise the failing store stage (e.g. "upsert_join", "commit").
// A rise in any non-ok series means configuration writes are being rolled back.
//
// Example PromQL queries:
//   - Failed update rate:  sum(rate(welcome_config_updates_total{result!="ok"}[5m]))
//   - Failures by stage:   sum by (result) (increase(welcome_config_updates_total{result!="ok"}[1h]))
//
// WelcomeConfigLookupsTotal is a CounterVec with label {source} recording where each
// lifecycle config lookup was answered from: "cache", "database", or "cache_error"
// when the cache backend failed and the database was used instead.
//
// Example PromQL queries:
//   - Cache hit ratio:  sum(rate(welcome_config_lookups_total{source="cache"}[5m])) / sum(rate(welcome_config_lookups_total[5m]))
var (
	WelcomeConfigUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcome_config_updates_total",
			Help: "Total number of welcome configuration partial updates, by result.",
		},
		[]string{"result"},
	)

	WelcomeConfigLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcome_config_lookups_total",
			Help: "Total number of lifecycle welcome configuration lookups, by answering source.",
		},
		[]string{"source"},
	)
)

// Lifecycle metrics, recorded by lifecycle.Orchestrator for every sub-action it considers.
//
// WelcomeActionsTotal is a CounterVec with labels {event, action, result}.
// event is "member_add" or "member_remove"; action is "channel_message", "direct_message",
// "role_grant" or "leave_message"; result is "sent", "skipped", "validation_error" or
// "delivery_error". Sub-actions are never retried, so delivery_error counts are final.
//
// Example PromQL queries:
//   - Delivery failure rate:  sum by (action) (rate(welcome_actions_total{result="delivery_error"}[15m]))
//   - Messages sent per hour: sum by (action) (increase(welcome_actions_total{result="sent"}[1h]))
//
// WelcomeActionDuration is a HistogramVec with label {action} timing the full
// read, render and dispatch chain of one sub-action.
var (
	WelcomeActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcome_actions_total",
			Help: "Total number of welcome lifecycle sub-actions, by event, action, and result.",
		},
		[]string{"event", "action", "result"},
	)

	WelcomeActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "welcome_action_duration_seconds",
			Help:    "Duration of a single welcome lifecycle sub-action, by action.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)
)

// Gateway metrics, recorded by the platform gateway client.
//
// GatewayEventsTotal is a CounterVec with label {type} holding the dispatch event name
// (e.g. GUILD_MEMBER_ADD). Only dispatches the client subscribes to are counted.
//
// GatewayReconnectsTotal is a plain Counter incremented every time the gateway
// connection is re-established after a failure.
//
// Example PromQL queries:
//   - Join events per minute:  rate(gateway_events_total{type="GUILD_MEMBER_ADD"}[1m]) * 60
//   - Alert on flapping:       increase(gateway_reconnects_total[10m]) > 5
var (
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Total number of gateway dispatch events handled, by event type.",
		},
		[]string{"type"},
	)

	GatewayReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Total number of gateway reconnections after a dropped connection.",
		},
	)
)

// Database pool metrics, sampled by StartDBStatsCollector rather than per request.
//
// DBOpenConnections counts every connection the pool holds; DBInUseConnections only
// those currently running a query or transaction. A persistently high in-use share means
// welcome config writes are queueing on the pool.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_in_use_connections / <WELCOME_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_in_use_connections > 20  (for max_connections=25)
var (
	DBOpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_open_connections",
			Help: "Current number of open database connections in the pool.",
		},
	)

	DBInUseConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_in_use_connections",
			Help: "Current number of database connections in use.",
		},
	)
)

// StartDBStatsCollector samples pool statistics every interval until the database stops
// answering pings, which happens once main closes it on shutdown.
func StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := sampleDBStats(db); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
		}
	}()
}

func sampleDBStats(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return err
	}
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBInUseConnections.Set(float64(stats.InUse))
	return nil
}
