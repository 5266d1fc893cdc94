// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/coverpool/internal/protocol"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations at startup

	// Protocol bootstrap. Only applied when no protocol state exists yet.
	OwnerAddress     string
	CustodyAddress   string
	BasePremium      uint64
	ClaimCeiling     uint64
	SeedDefaultTiers bool

	// Ledger host
	BlockInterval time.Duration // zero disables automatic block production
	StartHeight   uint64        // height the clock resumes from after a restart

	// Background jobs
	ReconcileInterval time.Duration
	ExpireInterval    time.Duration

	// Security
	AdminSecret  string // Gates operator routes and the owner's key issuance
	RateLimitRPS int
	CORSOrigins  []string
	APIKeyTTL    time.Duration // zero issues keys that never expire

	// Tracing
	OTLPEndpoint string // Empty disables trace export
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRateLimit         = 100
	DefaultCustodyAddress    = "0x0000000000000000000000000000000000c0ffee"
	DefaultBlockInterval     = 10 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultExpireInterval    = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               env,
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", defaultLogFormat(env)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AutoMigrate:       getEnvBool("AUTO_MIGRATE", env != "production"),
		OwnerAddress:      strings.ToLower(strings.TrimSpace(os.Getenv("OWNER_ADDRESS"))), // Required, no default
		CustodyAddress:    strings.ToLower(strings.TrimSpace(getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress))),
		BasePremium:       getEnvUint64("BASE_PREMIUM", protocol.DefaultBasePremium),
		ClaimCeiling:      getEnvUint64("CLAIM_CEILING", protocol.DefaultClaimCeiling),
		SeedDefaultTiers:  getEnvBool("SEED_DEFAULT_TIERS", true),
		BlockInterval:     getEnvDuration("BLOCK_INTERVAL", DefaultBlockInterval),
		StartHeight:       getEnvUint64("START_HEIGHT", 1),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ExpireInterval:    getEnvDuration("EXPIRE_INTERVAL", DefaultExpireInterval),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:       getEnvList("CORS_ALLOWED_ORIGINS"),
		APIKeyTTL:         getEnvDuration("API_KEY_TTL", 0),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !protocol.IsAccount(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS must be 0x followed by 40 hex characters")
	}
	if !protocol.IsAccount(c.CustodyAddress) {
		return fmt.Errorf("CUSTODY_ADDRESS must be 0x followed by 40 hex characters")
	}
	if c.CustodyAddress == c.OwnerAddress {
		return fmt.Errorf("CUSTODY_ADDRESS must differ from OWNER_ADDRESS")
	}
	if c.ClaimCeiling == 0 {
		return fmt.Errorf("CLAIM_CEILING must be positive")
	}
	if c.StartHeight == 0 {
		return fmt.Errorf("START_HEIGHT must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// Params returns the bootstrap protocol parameters.
func (c *Config) Params() protocol.Params {
	return protocol.Params{BasePremium: c.BasePremium, ClaimCeiling: c.ClaimCeiling}
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

func defaultLogFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "text"
}

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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return u
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") and rejects negatives.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
