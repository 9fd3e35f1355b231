// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"devicelog/backend/internal/timestamp"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :3000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// APIPrefix is the path prefix all API routes are mounted under (e.g. /api). May be empty.
	APIPrefix string `mapstructure:"API_PREFIX"`
	// DatabaseURL is the store DSN: postgres://... for Postgres, sqlite://path or file:path for SQLite.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or text.
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// DisplayUTCOffset is the fixed offset (±HH:MM or Z) log timestamps are rendered in on read.
	DisplayUTCOffset string `mapstructure:"DISPLAY_UTC_OFFSET"`
	// MaxBatchSize caps the number of entries accepted in one batch.
	MaxBatchSize int `mapstructure:"MAX_BATCH_SIZE"`
	// DefaultPlatform is used when a batch auto-creates a device without naming a platform.
	DefaultPlatform string `mapstructure:"DEFAULT_PLATFORM"`

	// OTel export (optional). Empty endpoint installs no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`

	// Ingest event stream (optional). When Kafka brokers are set, accepted batches are published to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// IngestKafkaTopic is the Kafka topic for BatchIngested events.
	IngestKafkaTopic string `mapstructure:"INGEST_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the Loki forwarder worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// Worker-only: Loki URL to push log lines to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// RedisAddr enables Idempotency-Key handling on batch ingestion when set.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	// IdempotencyTTLRaw is how long a completed idempotent response is replayable (e.g. "24h").
	IdempotencyTTLRaw string `mapstructure:"IDEMPOTENCY_TTL"`

	// RateLimitWindowMS and RateLimitMaxRequests bound requests per client IP under the API prefix.
	// A max of 0 disables rate limiting. The window is shared through Redis when RedisAddr is set.
	RateLimitWindowMS    int `mapstructure:"RATE_LIMIT_WINDOW_MS"`
	RateLimitMaxRequests int `mapstructure:"RATE_LIMIT_MAX_REQUESTS"`

	// CORSAllowedOrigins is a comma-separated origin list; "*" allows any origin.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// ShutdownTimeoutRaw bounds graceful shutdown (e.g. "15s").
	ShutdownTimeoutRaw string `mapstructure:"SHUTDOWN_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":3000")
	v.SetDefault("API_PREFIX", "/api")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DISPLAY_UTC_OFFSET", timestamp.DefaultDisplayOffset)
	v.SetDefault("MAX_BATCH_SIZE", 1000)
	v.SetDefault("DEFAULT_PLATFORM", "android")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "devicelog")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("INGEST_KAFKA_TOPIC", "devicelog-ingest")
	v.SetDefault("KAFKA_GROUP_ID", "devicelog-loki-forwarder")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 900000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 100)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	cfg.APIPrefix = normalizePrefix(cfg.APIPrefix)
	if _, err := timestamp.ParseOffset(cfg.DisplayUTCOffset); err != nil {
		return nil, fmt.Errorf("config: DISPLAY_UTC_OFFSET: %w", err)
	}
	if cfg.MaxBatchSize < 1 || cfg.MaxBatchSize > 100000 {
		return nil, errors.New("config: MAX_BATCH_SIZE must be between 1 and 100000")
	}
	cfg.DefaultPlatform = strings.ToLower(strings.TrimSpace(cfg.DefaultPlatform))
	if cfg.DefaultPlatform == "" {
		return nil, errors.New("config: DEFAULT_PLATFORM must not be empty")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return nil, fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if _, err := parsePositiveDuration(cfg.IdempotencyTTLRaw); err != nil {
		return nil, fmt.Errorf("config: IDEMPOTENCY_TTL: %w", err)
	}
	if _, err := parsePositiveDuration(cfg.ShutdownTimeoutRaw); err != nil {
		return nil, fmt.Errorf("config: SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.RateLimitMaxRequests < 0 {
		return nil, errors.New("config: RATE_LIMIT_MAX_REQUESTS must not be negative")
	}
	if cfg.RateLimitMaxRequests > 0 && cfg.RateLimitWindowMS <= 0 {
		return nil, errors.New("config: RATE_LIMIT_WINDOW_MS must be positive when rate limiting is enabled")
	}

	return &cfg, nil
}

// IdempotencyTTL parses IdempotencyTTLRaw. Returns 24h if unset or invalid.
func (c *Config) IdempotencyTTL() time.Duration {
	d, err := parsePositiveDuration(c.IdempotencyTTLRaw)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ShutdownTimeout parses ShutdownTimeoutRaw. Returns 15s if unset or invalid.
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := parsePositiveDuration(c.ShutdownTimeoutRaw)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// RateLimitWindow returns RateLimitWindowMS as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// CORSOrigins returns the allowed origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.CORSAllowedOrigins)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the ingest event stream is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.KafkaBrokers)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

// normalizePrefix returns "" or a path starting with / and without a trailing slash.
func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
