// Package config loads and validates server configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Path to the JSON schema descriptor gating the fact sheet.
	SchemaPath string

	// Storage backend: "memory", "postgres", "sqlite", or "redis".
	Backend     string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string
	RedisTTL    time.Duration
	MaxHistory  int

	// Extractor settings.
	ExtractorURL      string
	ExtractorAPIKey   string
	ExtractorModel    string
	ExtractorTimeout  time.Duration
	ExtractorRetries  int
	ExtractorMaxChars int

	// Merge policy overrides.
	MinConfidence   float64
	RecencyWindow   time.Duration
	MaxFieldLength  int
	MaxAsyncWorkers int64

	// Idempotency cache.
	IdempotencyTTL time.Duration
	IdempotencyMax int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Rate limiting (per-subject token bucket on write endpoints).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KAGAMI_PORT", 8080),
		ReadTimeout:         envDuration("KAGAMI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KAGAMI_WRITE_TIMEOUT", 30*time.Second),
		SchemaPath:          envStr("KAGAMI_SCHEMA_PATH", "schema.json"),
		Backend:             envStr("KAGAMI_BACKEND", "memory"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("KAGAMI_SQLITE_PATH", "kagami.db"),
		RedisAddr:           envStr("KAGAMI_REDIS_ADDR", "localhost:6379"),
		RedisTTL:            envDuration("KAGAMI_REDIS_TTL", 0),
		MaxHistory:          envInt("KAGAMI_MAX_HISTORY", 0),
		ExtractorURL:        envStr("KAGAMI_EXTRACTOR_URL", ""),
		ExtractorAPIKey:     envStr("OPENAI_API_KEY", ""),
		ExtractorModel:      envStr("KAGAMI_EXTRACTOR_MODEL", "gpt-4o-mini"),
		ExtractorTimeout:    envDuration("KAGAMI_EXTRACTOR_TIMEOUT", 5*time.Second),
		ExtractorRetries:    envInt("KAGAMI_EXTRACTOR_RETRIES", 2),
		ExtractorMaxChars:   envInt("KAGAMI_EXTRACTOR_MAX_CHARS", 8000),
		MinConfidence:       envFloat("KAGAMI_MIN_CONFIDENCE", 0),
		RecencyWindow:       envDuration("KAGAMI_RECENCY_WINDOW", 0),
		MaxFieldLength:      envInt("KAGAMI_MAX_FIELD_LENGTH", 0),
		MaxAsyncWorkers:     int64(envInt("KAGAMI_MAX_ASYNC_WORKERS", 8)),
		IdempotencyTTL:      envDuration("KAGAMI_IDEMPOTENCY_TTL", 5*time.Minute),
		IdempotencyMax:      envInt("KAGAMI_IDEMPOTENCY_MAX", 1000),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kagami"),
		RateLimitEnabled:    envBool("KAGAMI_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        envFloat("KAGAMI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:      envInt("KAGAMI_RATE_LIMIT_BURST", 20),
		LogLevel:            envStr("KAGAMI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KAGAMI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the chosen backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "sqlite", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KAGAMI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.ExtractorRetries < 0 {
		return fmt.Errorf("config: KAGAMI_EXTRACTOR_RETRIES must not be negative")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
