// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayProvider string // "http" (generic PSP REST API) or "stripe"
	GatewayBaseURL  string
	GatewayAPIKey   string
	StripeAPIKey    string
	GatewayTimeout  time.Duration

	// Webhook authenticity
	WebhookSecret string // Shared secret for inbound gateway webhook HMAC

	// Platform fee defaults (snapshotted onto each transaction at charge time)
	FeeBPS      int    // Platform fee in basis points, [0, 10000)
	FeeModality string // "couple_pays" or "guest_pays"

	// Idempotency
	IdempotencyTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Rate limiting
	RateLimitRPM int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultFeeBPS         = 500 // 5%
	DefaultFeeModality    = "couple_pays"
	DefaultGatewayTimeout = 30 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayProvider: getEnv("GATEWAY_PROVIDER", "http"),
		GatewayBaseURL:  os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:   os.Getenv("GATEWAY_API_KEY"),
		StripeAPIKey:    os.Getenv("STRIPE_API_KEY"),
		GatewayTimeout:  time.Duration(getEnvInt64("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		FeeBPS:          int(getEnvInt64("FEE_BPS", DefaultFeeBPS)),
		FeeModality:     getEnv("FEE_MODALITY", DefaultFeeModality),
		IdempotencyTTL:  time.Duration(getEnvInt64("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBPS < 0 || c.FeeBPS >= 10000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000), got %d", c.FeeBPS)
	}

	if c.FeeModality != "couple_pays" && c.FeeModality != "guest_pays" {
		return fmt.Errorf("FEE_MODALITY must be couple_pays or guest_pays, got %q", c.FeeModality)
	}

	switch c.GatewayProvider {
	case "http":
		if c.IsProduction() && c.GatewayBaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required in production")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when GATEWAY_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be http or stripe, got %q", c.GatewayProvider)
	}

	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
