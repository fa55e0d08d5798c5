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
	Port       string
	XMPPAddr   string
	XMPPDomain string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Focus identity on the signaling bus
	FocusUsername string
	FocusPassword string

	// Service config file (YAML option tree)
	FocusConfigPath string

	// Auth (validated further by the auth package)
	AuthType        string
	JWTDomain       string
	JWTAudience     string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Tracing
	OTLPEndpoint string

	// Rate Limits
	RateLimitApiGlobal   string
	RateLimitApiOperator string
	RateLimitApiPublic   string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

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

	// Required: XMPP_ADDR (format: host:port)
	cfg.XMPPAddr = os.Getenv("XMPP_ADDR")
	if cfg.XMPPAddr == "" {
		errors = append(errors, "XMPP_ADDR is required")
	} else if !isValidHostPort(cfg.XMPPAddr) {
		errors = append(errors, fmt.Sprintf("XMPP_ADDR must be in format 'host:port' (got '%s')", cfg.XMPPAddr))
	}

	// Required: XMPP_DOMAIN
	cfg.XMPPDomain = os.Getenv("XMPP_DOMAIN")
	if cfg.XMPPDomain == "" {
		errors = append(errors, "XMPP_DOMAIN is required")
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

	// Focus identity (defaults match the common deployment)
	cfg.FocusUsername = getEnvOrDefault("FOCUS_USERNAME", "focus")
	cfg.FocusPassword = os.Getenv("FOCUS_PASSWORD")

	cfg.FocusConfigPath = getEnvOrDefault("FOCUS_CONFIG", "focus.yaml")

	// Auth: type decides which of the remaining variables are required
	cfg.AuthType = strings.ToUpper(getEnvOrDefault("AUTH_TYPE", "NONE"))
	switch cfg.AuthType {
	case "NONE", "XMPP":
	case "JWT":
		cfg.JWTDomain = os.Getenv("JWT_DOMAIN")
		cfg.JWTAudience = os.Getenv("JWT_AUDIENCE")
		if cfg.JWTDomain == "" || cfg.JWTAudience == "" {
			errors = append(errors, "AUTH_TYPE=JWT requires JWT_DOMAIN and JWT_AUDIENCE")
		}
	default:
		errors = append(errors, fmt.Sprintf("AUTH_TYPE must be one of NONE, XMPP, JWT (got '%s')", cfg.AuthType))
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiOperator = getEnvOrDefault("RATE_LIMIT_API_OPERATOR", "100-M")
	cfg.RateLimitApiPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")

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
		"port", cfg.Port,
		"xmpp_addr", cfg.XMPPAddr,
		"xmpp_domain", cfg.XMPPDomain,
		"focus_username", cfg.FocusUsername,
		"focus_password", redactSecret(cfg.FocusPassword),
		"focus_config", cfg.FocusConfigPath,
		"auth_type", cfg.AuthType,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
