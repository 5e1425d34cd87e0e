package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret string
	RedisAddr string
	Port      string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisPassword string

	// Auth0 (existing, not validated here)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string

	// Room/session tuning (spec §6.4)
	RoomCleanupIntervalMs   int
	RoomInactiveThresholdMs int
	MessageHistoryLimit     int
	RateLimitMessages       int
	RateLimitWindowMs       int

	// StorePath is the on-disk location of the document store's JSON blob.
	StorePath string

	// InternalAPISecret gates the lifecycle package's internal lecture
	// endpoints. Empty in development (where DevelopmentMode bypasses the
	// check); required in production.
	InternalAPISecret string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Existing variables (not validated here, kept for compatibility)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// Room lifecycle and chat tuning (spec §6.4), all optional overrides.
	cfg.RoomCleanupIntervalMs = getEnvIntOrDefault("ROOM_CLEANUP_INTERVAL_MS", 5*60*1000)
	cfg.RoomInactiveThresholdMs = getEnvIntOrDefault("ROOM_INACTIVE_THRESHOLD_MS", 30*60*1000)
	cfg.MessageHistoryLimit = getEnvIntOrDefault("MESSAGE_HISTORY_LIMIT", 100)
	cfg.RateLimitMessages = getEnvIntOrDefault("RATE_LIMIT_MESSAGES", 5)
	cfg.RateLimitWindowMs = getEnvIntOrDefault("RATE_LIMIT_WINDOW_MS", 10*1000)
	cfg.StorePath = getEnvOrDefault("STORE_PATH", "./data/store.json")
	cfg.InternalAPISecret = os.Getenv("INTERNAL_API_SECRET")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
		"store_path", cfg.StorePath,
		"room_inactive_threshold_ms", cfg.RoomInactiveThresholdMs,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault parses an integer environment variable, falling back
// to defaultValue if unset or unparseable.
func getEnvIntOrDefault(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
