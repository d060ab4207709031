// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transaction source kinds.
const (
	SourceFile     = "file"
	SourceCovalent = "covalent"
	SourceChain    = "chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Batch inputs and outputs
	WalletsPath string
	OutputPath  string

	// Transaction source
	Source           string
	TransactionsPath string // SourceFile
	CovalentAPIKey   string // SourceCovalent
	CovalentBaseURL  string
	ChainID          int64
	RPCURL           string // SourceChain
	LendingPool      string
	ChainFromBlock   uint64
	AssetsPath       string

	// Pipeline tuning
	Workers       int
	FetchTimeout  time.Duration
	RetryAttempts int
	RescoreCron   string // empty disables scheduled re-scoring in server mode

	// Kafka score events (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// API surface
	APIKey       string   // when set, /v1 requires "Authorization: Bearer <key>"
	CORSOrigins  []string // "*" allows any origin
	RateLimitRPM int      // per-client requests per minute, 0 disables

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultWalletsPath     = "data/raw/Wallet_id.csv"
	DefaultOutputPath      = "outputs/wallet_risk_scores.csv"
	DefaultCovalentBaseURL = "https://api.covalenthq.com"
	DefaultChainID         = 137 // Polygon
	DefaultWorkers         = 1
	DefaultFetchTimeout    = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultKafkaTopic      = "wallet-risk-scores"
	DefaultRateLimitRPM    = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WalletsPath:      getEnv("WALLETS_PATH", DefaultWalletsPath),
		OutputPath:       getEnv("OUTPUT_PATH", DefaultOutputPath),
		Source:           strings.ToLower(getEnv("SOURCE", SourceFile)),
		TransactionsPath: os.Getenv("TRANSACTIONS_PATH"),
		CovalentAPIKey:   os.Getenv("COVALENT_API_KEY"),
		CovalentBaseURL:  getEnv("COVALENT_BASE_URL", DefaultCovalentBaseURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		RPCURL:           os.Getenv("RPC_URL"),
		LendingPool:      os.Getenv("LENDING_POOL_ADDRESS"),
		ChainFromBlock:   uint64(getEnvInt64("CHAIN_FROM_BLOCK", 0)),
		AssetsPath:       os.Getenv("ASSETS_PATH"),
		Workers:          int(getEnvInt64("WORKERS", DefaultWorkers)),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", DefaultFetchTimeout),
		RetryAttempts:    int(getEnvInt64("RETRY_ATTEMPTS", DefaultRetryAttempts)),
		RescoreCron:      os.Getenv("RESCORE_CRON"),
		KafkaBrokers:     getEnvList("KAFKA_BROKERS"),
		KafkaTopic:       getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		APIKey:           os.Getenv("API_KEY"),
		CORSOrigins:      getEnvList("CORS_ORIGINS"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Source {
	case SourceFile:
		if c.TransactionsPath == "" {
			return fmt.Errorf("TRANSACTIONS_PATH is required for source %q", SourceFile)
		}
	case SourceCovalent:
		if c.CovalentAPIKey == "" {
			return fmt.Errorf("COVALENT_API_KEY is required for source %q", SourceCovalent)
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("CHAIN_ID must be positive")
		}
	case SourceChain:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for source %q", SourceChain)
		}
		if c.LendingPool == "" {
			return fmt.Errorf("LENDING_POOL_ADDRESS is required for source %q", SourceChain)
		}
		if c.AssetsPath == "" {
			return fmt.Errorf("ASSETS_PATH is required for source %q", SourceChain)
		}
	default:
		return fmt.Errorf("SOURCE must be one of %s, %s, %s (got %q)",
			SourceFile, SourceCovalent, SourceChain, c.Source)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
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
