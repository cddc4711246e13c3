// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string // browser origins allowed to call /v1
	// Proxies whose X-Forwarded-For is believed. Empty means the TCP peer
	// is the client, which the provider origin check relies on.
	TrustedProxies []string

	// Ledger store
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	ServiceKey  string // Service credential for the reconciler and payout worker
	AdminSecret string // Operator credential

	// Payment provider
	MerchantID  string
	MerchantKey string
	Passphrase  string
	Mode        string // "production" or anything else (sandbox)

	// Escrow policy
	PlatformFeeRate    decimal.Decimal
	DisputeGraceWindow time.Duration
	MaxRevisions       int

	// Runtime budgets
	WebhookTimeout    time.Duration
	PayoutInterval    time.Duration
	PayoutMaxAttempts int
	ReconcileInterval time.Duration // ledger audit period; 0 disables the timer

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMode               = "sandbox"
	DefaultPlatformFeeRate    = "0.10"
	DefaultDisputeGraceWindow = 72 * time.Hour
	DefaultMaxRevisions       = 3
	DefaultWebhookTimeout     = 15 * time.Second
	DefaultPayoutInterval     = time.Second
	DefaultPayoutMaxAttempts  = 3
	DefaultReconcileInterval  = 15 * time.Minute

	ModeProduction = "production"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ServiceKey:         os.Getenv("SERVICE_KEY"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		MerchantID:         os.Getenv("PAYFAST_MERCHANT_ID"),
		MerchantKey:        os.Getenv("PAYFAST_MERCHANT_KEY"),
		Passphrase:         os.Getenv("PAYFAST_PASSPHRASE"),
		Mode:               getEnv("PAYFAST_MODE", DefaultMode),
		PlatformFeeRate:    feeRate,
		DisputeGraceWindow: getEnvDuration("DISPUTE_GRACE_WINDOW", DefaultDisputeGraceWindow),
		MaxRevisions:       int(getEnvInt64("MAX_REVISIONS", DefaultMaxRevisions)),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		PayoutInterval:     getEnvDuration("PAYOUT_INTERVAL", DefaultPayoutInterval),
		PayoutMaxAttempts:  int(getEnvInt64("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts)),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.MerchantID == "" || c.MerchantKey == "" {
			return fmt.Errorf("PAYFAST_MERCHANT_ID and PAYFAST_MERCHANT_KEY are required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1)")
	}
	if c.DisputeGraceWindow <= 0 {
		return fmt.Errorf("DISPUTE_GRACE_WINDOW must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.PayoutInterval < time.Second {
		return fmt.Errorf("PAYOUT_INTERVAL must be at least 1s")
	}
	if c.PayoutMaxAttempts <= 0 {
		return fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be positive")
	}
	if c.MaxRevisions < 0 {
		return fmt.Errorf("MAX_REVISIONS must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}

	return nil
}

// IsProduction returns true if the provider runs in production mode
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
