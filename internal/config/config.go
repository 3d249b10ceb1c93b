// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/agentbattle/internal/negotiation"
	"github.com/mbd888/agentbattle/internal/usdc"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Tracing
	OTLPEndpoint     string // empty disables tracing
	OTLPInsecure     bool
	TraceSampleRatio float64

	// Starting balances, as decimal strings
	RequesterStableBalance string // USDC
	ProviderStableBalance  string // USDC
	GasBalance             string // ETH, per party

	// Protocol defaults
	DefaultMaxRounds     int
	DefaultDeadline      time.Duration
	DefaultDisputeWindow time.Duration

	// Session host
	SessionTTL    time.Duration
	MaxSessions   int
	JanitorPeriod time.Duration
	RateLimitRPS  int

	// Browser origins allowed to call the API and open the event stream.
	// "*" allows any; "https://*.example.com" allows subdomains.
	CORSOrigins []string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultRequesterStableBalance = "1000"
	DefaultProviderStableBalance  = "100"
	DefaultGasBalance             = "0.05"
	DefaultDeadline               = 24 * time.Hour
	DefaultDisputeWindow          = 72 * time.Hour
	DefaultSessionTTL             = 30 * time.Minute
	DefaultMaxSessions            = 1000
	DefaultJanitorPeriod          = time.Minute
	DefaultRateLimit              = 50
	DefaultCORSOrigins            = "*"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:           getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:       getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		RequesterStableBalance: getEnv("REQUESTER_STABLE_BALANCE", DefaultRequesterStableBalance),
		ProviderStableBalance:  getEnv("PROVIDER_STABLE_BALANCE", DefaultProviderStableBalance),
		GasBalance:             getEnv("GAS_BALANCE", DefaultGasBalance),
		DefaultMaxRounds:       int(getEnvInt64("DEFAULT_MAX_ROUNDS", negotiation.DefaultMaxRounds)),
		DefaultDeadline:        getEnvDuration("DEFAULT_DEADLINE", DefaultDeadline),
		DefaultDisputeWindow:   getEnvDuration("DEFAULT_DISPUTE_WINDOW", DefaultDisputeWindow),
		SessionTTL:             getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		MaxSessions:            int(getEnvInt64("MAX_SESSIONS", DefaultMaxSessions)),
		JanitorPeriod:          getEnvDuration("JANITOR_PERIOD", DefaultJanitorPeriod),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:            getEnvList("CORS_ORIGINS", DefaultCORSOrigins),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	for _, b := range []struct {
		key, value string
		decimals   int
	}{
		{"REQUESTER_STABLE_BALANCE", c.RequesterStableBalance, usdc.Decimals},
		{"PROVIDER_STABLE_BALANCE", c.ProviderStableBalance, usdc.Decimals},
		{"GAS_BALANCE", c.GasBalance, usdc.GasDecimals},
	} {
		if _, err := usdc.ParseUnits(b.value, b.decimals); err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
	}

	if c.DefaultMaxRounds < negotiation.MinRounds || c.DefaultMaxRounds > negotiation.MaxRoundsLimit {
		return fmt.Errorf("DEFAULT_MAX_ROUNDS must be between %d and %d", negotiation.MinRounds, negotiation.MaxRoundsLimit)
	}
	if c.DefaultDeadline <= 0 {
		return fmt.Errorf("DEFAULT_DEADLINE must be positive")
	}
	if c.DefaultDisputeWindow <= 0 {
		return fmt.Errorf("DEFAULT_DISPUTE_WINDOW must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
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

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
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
