// Package api wires together the HTTP routes of the welcome service.
//
// The configuration API lives under /api/v1/guilds/:guild_id/welcome and is rate limited
// per client IP. The liveness, readiness and version endpoints sit outside the limiter so that
// orchestrators can poll them freely. Prometheus metrics are not served here; see the
// side-channel listener in cmd/server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/guildkit/welcomer/internal/api/welcome"
	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/middleware"
)

// Version is reported by GET /version and the version subcommand.
const Version = "0.1.0"

// readinessTimeout bounds each dependency check in /ready.
const readinessTimeout = 2 * time.Second

// BackgroundServices holds resources started by NewRouter that must be stopped during
// graceful shutdown. The caller (cmd/server) calls Shutdown after the HTTP server has
// drained.
type BackgroundServices struct {
	stoppers []func()
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, stop := range bg.stoppers {
		stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. rdb may be nil when Redis is not
// configured; the rate limiter then keeps its state in memory.
func NewRouter(cfg *config.Config, db *sqlx.DB, store welcome.Store, rdb *redis.Client) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Server.BaseURL)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, rdb))
	router.GET("/version", versionHandler())

	apiV1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		limiter := newLimiter(cfg, rdb, bg)
		apiV1.Use(middleware.RateLimitMiddleware(limiter))
		slog.Info("rate limiting enabled", "backend", limiter.Backend(),
			"requests_per_minute", cfg.Security.RateLimiting.RequestsPerMinute)
	}

	welcomeHandlers := welcome.NewHandlers(store)
	guilds := apiV1.Group("/guilds/:guild_id")
	{
		guilds.GET("/welcome", welcomeHandlers.GetConfig)
		guilds.POST("/welcome", welcomeHandlers.UpdateConfig)
		guilds.PATCH("/welcome", welcomeHandlers.UpdateConfig)
	}

	return router, bg
}

// newLimiter shares limits through Redis when a client is available.
func newLimiter(cfg *config.Config, rdb *redis.Client, bg *BackgroundServices) middleware.Limiter {
	rlCfg := middleware.RateLimitConfigFrom(cfg.Security.RateLimiting)
	if rdb != nil {
		return middleware.NewRedisLimiter(rdb, rlCfg)
	}
	mem := middleware.NewMemoryLimiter(rlCfg)
	bg.stoppers = append(bg.stoppers, mem.Stop)
	return mem
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: {database, redis}"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: first failing dependency"
// @Router       /ready [get]
// readinessHandler reports whether every dependency answers a ping.
func readinessHandler(db *sqlx.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		checks := gin.H{}
		notReady := func(name string) {
			checks[name] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  name + " not ready",
			})
		}

		if err := db.PingContext(ctx); err != nil {
			notReady("database")
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				notReady("redis")
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the service version and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format follows the
// handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		route := c.FullPath()
		if route == "" {
			route = path
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" || wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
