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

	// Cache
	RedisURL            string        // optional, uses in-process cache if not set
	EntitlementCacheTTL time.Duration // TTL for cached entitlements

	// Billing
	StripeWebhookSecret string // signing secret for Stripe webhook verification
	UpgradeURL          string // where clients are sent on SUBSCRIPTION_REQUIRED
	PurchaseURL         string // where clients are sent on credit denials

	// Providers
	LocalProvider string // provider id that never qualifies for BYOK exemption

	// Rate limiting
	RateLimitWindow time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing

	// Security
	AdminSecret string // Admin API secret
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCacheTTL        = 60 * time.Second
	DefaultRateLimitWindow = 60 * time.Second
	DefaultLocalProvider   = "halcyon-local"
	DefaultUpgradeURL      = "/settings/subscription"
	DefaultPurchaseURL     = "/settings/credits"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:            os.Getenv("REDIS_URL"),    // Optional, uses in-process cache if not set
		EntitlementCacheTTL: getEnvDuration("ENTITLEMENT_CACHE_TTL", DefaultCacheTTL),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		UpgradeURL:          getEnv("UPGRADE_URL", DefaultUpgradeURL),
		PurchaseURL:         getEnv("PURCHASE_URL", DefaultPurchaseURL),
		LocalProvider:       getEnv("LOCAL_PROVIDER", DefaultLocalProvider),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.EntitlementCacheTTL <= 0 {
		return fmt.Errorf("ENTITLEMENT_CACHE_TTL must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
