// @title           Welcome Service API
// @version         0.1.0
// @description     Per-guild welcome automation: configuration of join and leave messages, direct messages and role grants.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
//
// @tag.name         System
// @tag.description  Health, readiness, and version endpoints.
//
// @tag.name         Welcome
// @tag.description  Read and partially update a guild's welcome configuration.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the main API server and its rate limiter. Configure the port with WELCOME_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the welcome service binary.
// It dispatches three subcommands (serve, migrate, version) via a switch on os.Args.
// The serve command runs auto-migration on startup, serves the configuration API and,
// when bot.enabled is set, runs the gateway event loop in the same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/guildkit/welcomer/internal/api"
	"github.com/guildkit/welcomer/internal/cache"
	"github.com/guildkit/welcomer/internal/config"
	"github.com/guildkit/welcomer/internal/db"
	"github.com/guildkit/welcomer/internal/db/repositories"
	"github.com/guildkit/welcomer/internal/lifecycle"
	"github.com/guildkit/welcomer/internal/platform"
	"github.com/guildkit/welcomer/internal/services"
	"github.com/guildkit/welcomer/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("welcomer v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	err := config.Watch(configPath, func(next *config.Config) {
		telemetry.SetupLogger(next.Logging.Format, next.Logging.Level)
	})
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		slog.Debug("no config file in use, hot reload disabled")
	case err != nil:
		slog.Warn("config hot reload unavailable", "error", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB, 30*time.Second)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	configCache, err := cache.New(cfg.Cache, rdb)
	if err != nil {
		return fmt.Errorf("failed to initialise cache: %w", err)
	}
	store := services.NewConfigStore(repositories.NewWelcomeRepository(database), configCache, cfg.Cache.TTL)
	slog.Info("configuration store ready", "cache", cfg.Cache.Backend, "ttl", cfg.Cache.TTL)

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	router, bgServices := api.NewRouter(cfg, database, store, rdb)
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", server.Addr, "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Bot.Enabled {
		client := platform.NewClient(cfg.Platform)
		if name, err := client.Ping(ctx); err != nil {
			slog.Warn("platform token check failed", "error", err)
		} else {
			slog.Info("authenticated with platform", "bot", name)
		}
		orchestrator := lifecycle.NewOrchestrator(store, client, client, cfg.Platform.CDNBaseURL)
		gateway := platform.NewGateway(cfg.Platform.GatewayURL, cfg.Platform.Token, cfg.Platform.Intents, orchestrator)
		g.Go(func() error {
			slog.Info("starting gateway event loop", "intents", cfg.Platform.Intents)
			if err := gateway.Run(gctx); err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	bgServices.Shutdown()
	if err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// startMetricsServer serves /metrics on its own port so it stays off the public ingress.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting Prometheus metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}
