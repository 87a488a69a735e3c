// Package config loads and validates the welcomer configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the WELCOME_ prefix (e.g., WELCOME_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments.
//
// When a config file is in use, Watch re-reads it on change so the logging section
// can be applied without a restart.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrNoConfigFile is returned by Watch when configuration came only from defaults and environment.
var ErrNoConfigFile = errors.New("no config file in use")

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Bot       BotConfig       `mapstructure:"bot"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig      `mapstructure:"cors"`
	RateLimiting RateLimitConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// CacheConfig selects where lifecycle config lookups are cached
type CacheConfig struct {
	// Backend is "memory", "redis", or "none"
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RedisConfig holds the Redis connection used by the redis cache backend and the
// distributed rate limiter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PlatformConfig holds chat platform endpoints and credentials
type PlatformConfig struct {
	Token          string        `mapstructure:"token"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	CDNBaseURL     string        `mapstructure:"cdn_base_url"`
	GatewayURL     string        `mapstructure:"gateway_url"`
	Intents        int           `mapstructure:"intents"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BotConfig controls whether the serve command also runs the gateway event loop
type BotConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Cache / Redis
		"cache.backend",
		"cache.ttl",
		"cache.cleanup_interval",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Platform
		"platform.token",
		"platform.api_base_url",
		"platform.cdn_base_url",
		"platform.gateway_url",
		"platform.intents",
		"platform.request_timeout",

		// Bot
		"bot.enabled",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds the layered viper instance. The returned bool reports whether a config
// file was read.
func newViper(configPath string) (*viper.Viper, bool, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/welcomer")
	}

	fileRead := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, false, fmt.Errorf("error reading config file: %w", err)
		}
		fileRead = false
	}

	v.SetEnvPrefix("WELCOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, false, err
	}
	return v, fileRead, nil
}

// decode unmarshals and validates the current state of v.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Platform.Token = expandEnv(cfg.Platform.Token)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, _, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads the config file whenever it changes and passes each valid result to onChange.
// Invalid edits are logged and ignored so the running configuration stays in effect.
func Watch(configPath string, onChange func(*Config)) error {
	v, fileRead, err := newViper(configPath)
	if err != nil {
		return err
	}
	if !fileRead {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "welcomer")
	v.SetDefault("database.user", "welcomer")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PATCH", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.cleanup_interval", "10m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// Platform defaults
	v.SetDefault("platform.api_base_url", "https://discord.com/api/v10")
	v.SetDefault("platform.cdn_base_url", "https://cdn.discordapp.com/")
	v.SetDefault("platform.gateway_url", "wss://gateway.discord.gg/?v=10&encoding=json")
	// GUILDS | GUILD_MEMBERS
	v.SetDefault("platform.intents", 1|1<<1)
	v.SetDefault("platform.request_timeout", "10s")

	v.SetDefault("bot.enabled", false)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate cache backend
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, or none)", c.Cache.Backend)
	}

	// Validate bot
	if c.Bot.Enabled {
		if c.Platform.Token == "" {
			return fmt.Errorf("platform.token is required when bot is enabled")
		}
		if c.Platform.GatewayURL == "" {
			return fmt.Errorf("platform.gateway_url is required when bot is enabled")
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
