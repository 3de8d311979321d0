// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradebay/tradebay/internal/pricing"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	PostgresURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Pricing
	RateCentis     int64  // fiat per star in centi-units, e.g. 182 = 1.82
	FeePercent     int64  // platform fee on top of the base star price
	Currency       string // fiat currency listings are priced in
	TreasuryUserID string // owner of the wallet that collects fees

	// Escrow
	EscrowTTL         time.Duration
	ReconcileBatch    int
	ReconcileMaxDelay time.Duration
	ReconcileInterval time.Duration
	DisputeSLA        time.Duration

	// Wallet limits
	TopUpMax            int64
	TopUpDailyAmount    int64
	TopUpDailyOps       int
	PurchaseDailyAmount int64
	PurchaseDailyOps    int

	// Security
	AdminUserIDs   []string
	InternalSecret string // shared secret for cron endpoints
	ProviderSecret string // shared secret for the top-up provider callback
	RateLimitRPS   int

	// Notifications
	AlertWebhookURL string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateCentis          = 182
	DefaultFeePercent          = 5
	DefaultCurrency            = "RUB"
	DefaultEscrowTTLMinutes    = 30
	MinEscrowTTLMinutes        = 5
	DefaultReconcileBatch      = 100
	DefaultReconcileDelayMin   = 20
	DefaultDisputeSLAHours     = 24
	DefaultTopUpMax            = 10000
	DefaultTopUpDailyAmount    = 50000
	DefaultTopUpDailyOps       = 30
	DefaultPurchaseDailyAmount = 100000
	DefaultPurchaseDailyOps    = 50
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	rate, err := rateFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		PostgresURL: os.Getenv("POSTGRES_URL"), // Optional, uses in-memory if not set

		RateCentis:     rate,
		FeePercent:     getEnvInt64("PLATFORM_FEE_PERCENT", DefaultFeePercent),
		Currency:       strings.ToUpper(getEnv("CURRENCY", DefaultCurrency)),
		TreasuryUserID: getEnv("TREASURY_USER_ID", "treasury"),

		EscrowTTL:         getEnvMinutes("ESCROW_TTL_MINUTES", DefaultEscrowTTLMinutes),
		ReconcileBatch:    int(getEnvInt64("ESCROW_RECONCILE_BATCH", DefaultReconcileBatch)),
		ReconcileMaxDelay: getEnvMinutes("ESCROW_RECONCILE_MAX_DELAY_MINUTES", DefaultReconcileDelayMin),
		ReconcileInterval: getEnvMinutes("ESCROW_RECONCILE_INTERVAL_MINUTES", 10),
		DisputeSLA:        time.Duration(getEnvInt64("DISPUTE_SLA_HOURS", DefaultDisputeSLAHours)) * time.Hour,

		TopUpMax:            getEnvInt64("TOPUP_MAX", DefaultTopUpMax),
		TopUpDailyAmount:    getEnvInt64("TOPUP_DAILY_LIMIT", DefaultTopUpDailyAmount),
		TopUpDailyOps:       int(getEnvInt64("TOPUP_DAILY_OPS_LIMIT", DefaultTopUpDailyOps)),
		PurchaseDailyAmount: getEnvInt64("PURCHASE_DAILY_LIMIT", DefaultPurchaseDailyAmount),
		PurchaseDailyOps:    int(getEnvInt64("PURCHASE_DAILY_OPS_LIMIT", DefaultPurchaseDailyOps)),

		AdminUserIDs:   splitList(os.Getenv("ADMIN_USER_IDS")),
		InternalSecret: os.Getenv("INTERNAL_CRON_SECRET"),
		ProviderSecret: os.Getenv("PAYMENT_PROVIDER_SECRET"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),

		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RateCentis <= 0 {
		return fmt.Errorf("FIAT_PER_STAR must be positive")
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}
	if c.EscrowTTL < MinEscrowTTLMinutes*time.Minute {
		return fmt.Errorf("ESCROW_TTL_MINUTES must be at least %d", MinEscrowTTLMinutes)
	}
	if c.TopUpMax <= 0 {
		return fmt.Errorf("TOPUP_MAX must be positive")
	}
	if c.IsProduction() && c.InternalSecret == "" {
		return fmt.Errorf("INTERNAL_CRON_SECRET is required in production")
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

// IsAdmin reports whether a user id appears in ADMIN_USER_IDS.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// rateFromEnv reads FIAT_PER_STAR as a decimal ("1.82") and converts it
// to centi-units. Unset falls back to the default rate.
func rateFromEnv() (int64, error) {
	raw := os.Getenv("FIAT_PER_STAR")
	if raw == "" {
		return DefaultRateCentis, nil
	}
	rate, err := pricing.ParseRate(raw)
	if err != nil {
		return 0, fmt.Errorf("FIAT_PER_STAR: %w", err)
	}
	return rate, nil
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

func getEnvMinutes(key string, defaultMinutes int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultMinutes)) * time.Minute
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
