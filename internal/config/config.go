// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json", "text", "console"

	// Database (optional in development; in-memory stores are used when empty)
	DatabaseURL string

	// Chain settings. The EVM adapter is used when both PrivateKey and
	// EscrowContract are set; otherwise the in-memory adapter is used.
	RPCURL             string
	ChainID            int64
	PrivateKey         string // hex, with or without 0x prefix
	EscrowContract     string
	ChainTimeout       time.Duration // bound on one distribution call
	ChainConfirmWindow time.Duration // how long Settle polls for a receipt
	ChainMaxAttempts   int
	ChainPendingMaxAge time.Duration // how long a payout may stay unmined before it is failed

	// Admin escalation
	AdminWebhookURL    string
	AdminWebhookSecret string

	// Background jobs
	ReconcileInterval time.Duration
	SLASchedule       string // cron schedule for the admin-call SLA monitor

	// Observability
	OTLPEndpoint string

	// HTTP protection
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Base Sepolia defaults
const (
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultChainTimeout       = 30 * time.Second
	DefaultChainConfirmWindow = 60 * time.Second
	DefaultChainMaxAttempts   = 3
	DefaultChainPendingMaxAge = 24 * time.Hour
	DefaultReconcileInterval  = 2 * time.Minute
	DefaultSLASchedule        = "@every 5m"
	DefaultRateLimitRPS       = 20
	DefaultRateLimitBurst     = 40
)

var (
	privateKeyRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	addressRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		EscrowContract:     os.Getenv("ESCROW_CONTRACT"),
		ChainTimeout:       getEnvDuration("CHAIN_TIMEOUT", DefaultChainTimeout),
		ChainConfirmWindow: getEnvDuration("CHAIN_CONFIRM_WINDOW", DefaultChainConfirmWindow),
		ChainMaxAttempts:   int(getEnvInt64("CHAIN_MAX_ATTEMPTS", DefaultChainMaxAttempts)),
		ChainPendingMaxAge: getEnvDuration("CHAIN_PENDING_MAX_AGE", DefaultChainPendingMaxAge),
		AdminWebhookURL:    os.Getenv("ADMIN_WEBHOOK_URL"),
		AdminWebhookSecret: os.Getenv("ADMIN_WEBHOOK_SECRET"),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		SLASchedule:        getEnv("SLA_SCHEDULE", DefaultSLASchedule),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required in production")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required in production")
		}
		if c.AdminWebhookURL != "" && c.AdminWebhookSecret == "" {
			return fmt.Errorf("ADMIN_WEBHOOK_SECRET is required when ADMIN_WEBHOOK_URL is set")
		}
	}

	if c.PrivateKey != "" && !privateKeyRegex.MatchString(strings.TrimPrefix(c.PrivateKey, "0x")) {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.EscrowContract != "" && !addressRegex.MatchString(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 20-byte address")
	}
	if c.UseChain() && c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainTimeout <= 0 || c.ChainConfirmWindow <= 0 {
		return fmt.Errorf("CHAIN_TIMEOUT and CHAIN_CONFIRM_WINDOW must be positive")
	}
	if c.ChainMaxAttempts < 1 {
		return fmt.Errorf("CHAIN_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	return nil
}

// UseChain reports whether the EVM chain adapter is configured.
func (c *Config) UseChain() bool {
	return c.PrivateKey != "" && c.EscrowContract != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
