package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	DatabasePath string

	// External services
	CustomerAPIURL string // empty disables the customer directory check

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Ledger rules
	MaxTransactionAmount   decimal.Decimal
	BusinessOverdraftLimit decimal.Decimal
	MaxConflictRetries     int
	ConflictBackoff        time.Duration

	// Reconciliation
	ReconcileAfter    time.Duration
	ReconcileInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabasePath: getEnv("DATABASE_PATH", "ledger.db"),

		CustomerAPIURL: getEnv("CUSTOMER_API_URL", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		MaxTransactionAmount:   getEnvDecimal("MAX_TRANSACTION_AMOUNT", decimal.NewFromInt(1_000_000)),
		BusinessOverdraftLimit: getEnvDecimal("BUSINESS_OVERDRAFT_LIMIT", decimal.Zero),
		MaxConflictRetries:     getEnvInt("MAX_CONFLICT_RETRIES", 5),
		ConflictBackoff:        getEnvDuration("CONFLICT_BACKOFF", 5*time.Millisecond),

		ReconcileAfter:    getEnvDuration("RECONCILE_AFTER", 5*time.Minute),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvDecimal parses an exact decimal. Negative values fall back too.
func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && !d.IsNegative() {
			return d
		}
	}
	return fallback
}
