// Package config loads and validates the process environment into a typed
// Config, failing fast with an aggregated error when a value is malformed.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Listen port (defaults to 8080)
	Port string

	// Optional, defaulted
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis-backed download cache (optional; falls back to in-process map)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Uploads
	UploadDir string

	// External collaborator endpoints
	ResolveURL      string
	DownloadBaseURL string

	// Named collaborator timeouts, configurable rather than hardcoded
	ResolveTimeout  time.Duration
	DownloadTimeout time.Duration

	// Room lifecycle
	CleanupGracePeriod time.Duration

	// Rate limits (ulule/limiter formatted rates, e.g. "100-M")
	RateLimitAPIGlobal   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string

	// Tracing
	OtelCollectorAddr string
}

// ValidateEnv reads and validates the environment variables and returns a
// Config. Every variable has a default; only malformed values are errors.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.UploadDir = getEnvOrDefault("UPLOAD_DIR", "./uploads/rooms")

	cfg.ResolveURL = getEnvOrDefault("RESOLVE_URL", "http://127.0.0.1:8000/soundcloud/info")
	cfg.DownloadBaseURL = getEnvOrDefault("DOWNLOAD_BASE_URL", "http://127.0.0.1:8000/soundcloud/download")

	cfg.ResolveTimeout = durationOrDefault("RESOLVE_TIMEOUT_SECONDS", 30*time.Second)
	cfg.DownloadTimeout = durationOrDefault("DOWNLOAD_TIMEOUT_SECONDS", 120*time.Second)
	cfg.CleanupGracePeriod = durationOrDefault("ROOM_CLEANUP_GRACE_SECONDS", 5*time.Second)

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", redactAddr(cfg),
		"upload_dir", cfg.UploadDir,
		"resolve_timeout", cfg.ResolveTimeout,
		"download_timeout", cfg.DownloadTimeout,
		"cleanup_grace_period", cfg.CleanupGracePeriod,
	)
}

func redactAddr(cfg *Config) string {
	if !cfg.RedisEnabled {
		return ""
	}
	return cfg.RedisAddr
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func durationOrDefault(key string, def time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		slog.Warn("ignoring invalid duration env var, using default", "key", key, "value", raw)
		return def
	}
	return time.Duration(seconds) * time.Second
}
