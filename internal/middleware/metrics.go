// Package middleware provides the Gin HTTP middleware used by the welcome configuration API.
// All middleware in this package is registered in internal/api/router.go before any
// route handlers so that every request is covered regardless of handler.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guildkit/welcomer/internal/telemetry"
)

// noRoute is the path label used for requests that matched no route.
const noRoute = "<no-route>"

// guildRoutes prefixes every per-guild route template.
const guildRoutes = "/api/v1/guilds/:guild_id/"

// Route groups used as the group label.
const (
	groupWelcome   = "welcome"
	groupSystem    = "system"
	groupUnmatched = "unmatched"
)

// routeGroup classifies a route template.
func routeGroup(path string) string {
	switch {
	case path == "":
		return groupUnmatched
	case strings.HasPrefix(path, guildRoutes):
		return groupWelcome
	}
	return groupSystem
}

// welcomeOperation names what a request to a guild route does to its configuration.
func welcomeOperation(method string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "read"
	}
	return "update"
}

// welcomeOutcome folds a status code into ok, rejected (4xx) or failed (5xx).
func welcomeOutcome(status int) string {
	switch {
	case status >= 500:
		return "failed"
	case status >= 400:
		return "rejected"
	}
	return "ok"
}

// MetricsMiddleware returns a Gin handler that records Prometheus metrics for every
// request that passes through the router.
//
// Recorded metrics:
//   - http_requests_total{group, method, path, status}   CounterVec
//   - http_request_duration_seconds{group, method, path} HistogramVec
//   - http_requests_in_flight{group}                     GaugeVec
//   - welcome_api_requests_total{operation, outcome}     CounterVec, guild routes only
//
// The path label is the matched route template, never the raw URL, so guild ids do not
// reach label values. group is "welcome" for the per-guild configuration routes,
// "system" for health, readiness and version, and "unmatched" for 404/405 responses,
// whose path is "<no-route>".
//
// Register after gin.Recovery() and RequestIDMiddleware so that the status written by
// recovery is the one recorded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// gin resolves the route before the middleware chain runs
		path := c.FullPath()
		group := routeGroup(path)
		if path == "" {
			path = noRoute
		}

		inFlight := telemetry.HTTPRequestsInFlight.WithLabelValues(group)
		inFlight.Inc()
		defer inFlight.Dec()

		c.Next()

		method := c.Request.Method
		status := c.Writer.Status()
		telemetry.HTTPRequestsTotal.WithLabelValues(group, method, path, strconv.Itoa(status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(group, method, path).Observe(time.Since(start).Seconds())
		if group == groupWelcome {
			telemetry.WelcomeAPIRequestsTotal.WithLabelValues(welcomeOperation(method), welcomeOutcome(status)).Inc()
		}
	}
}
