package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Mode:               DefaultMode,
		PlatformFeeRate:    decimal.RequireFromString("0.10"),
		DisputeGraceWindow: DefaultDisputeGraceWindow,
		MaxRevisions:       DefaultMaxRevisions,
		WebhookTimeout:     DefaultWebhookTimeout,
		PayoutInterval:     DefaultPayoutInterval,
		PayoutMaxAttempts:  DefaultPayoutMaxAttempts,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PAYFAST_MODE", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "PAYFAST_MERCHANT_ID", "10000100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "10000100", cfg.MerchantID)
	assert.Equal(t, DefaultMode, cfg.Mode)
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, DefaultWebhookTimeout, cfg.WebhookTimeout)
	assert.Equal(t, DefaultDisputeGraceWindow, cfg.DisputeGraceWindow)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "0.15")
	setEnv(t, "DISPUTE_GRACE_WINDOW", "24h")
	setEnv(t, "PAYOUT_MAX_ATTEMPTS", "5")
	setEnv(t, "TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.TrustedProxies)
	assert.Equal(t, "0.15", cfg.PlatformFeeRate.String())
	assert.Equal(t, 24*time.Hour, cfg.DisputeGraceWindow)
	assert.Equal(t, 5, cfg.PayoutMaxAttempts)
}

func TestLoad_InvalidFeeRate(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "ten percent")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_RATE")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "production without merchant",
			mutate:  func(c *Config) { c.Mode = ModeProduction; c.DatabaseURL = "postgres://x" },
			wantErr: "PAYFAST_MERCHANT_ID",
		},
		{
			name: "production without database",
			mutate: func(c *Config) {
				c.Mode = ModeProduction
				c.MerchantID, c.MerchantKey = "id", "key"
			},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "fee rate of one",
			mutate:  func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) },
			wantErr: "PLATFORM_FEE_RATE",
		},
		{
			name:    "negative fee rate",
			mutate:  func(c *Config) { c.PlatformFeeRate = decimal.RequireFromString("-0.1") },
			wantErr: "PLATFORM_FEE_RATE",
		},
		{
			name:    "payout interval below rate budget",
			mutate:  func(c *Config) { c.PayoutInterval = 500 * time.Millisecond },
			wantErr: "PAYOUT_INTERVAL",
		},
		{
			name:    "negative reconcile interval",
			mutate:  func(c *Config) { c.ReconcileInterval = -time.Minute },
			wantErr: "RECONCILE_INTERVAL",
		},
		{
			name:   "reconcile timer disabled",
			mutate: func(c *Config) { c.ReconcileInterval = 0 },
		},
		{
			name:    "zero grace window",
			mutate:  func(c *Config) { c.DisputeGraceWindow = 0 },
			wantErr: "DISPUTE_GRACE_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", " https://a.example ,,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
