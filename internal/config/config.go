package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	RedisAddr      string
	IdempotencyTTL time.Duration

	PricingFile string

	ProviderKind    string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	StorageDir        string
	StoragePublicURL  string
	MigrationTimeout  time.Duration
	MigrationMaxBytes int64

	// MaxProcessingAge caps how long a job may sit in processing after the
	// provider reported success without a retrievable result. Zero disables it.
	MaxProcessingAge time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:         dbSource,
		Port:             getenv("SERVER_PORT", "8080"),
		Env:              getenv("ENVIRONMENT", "development"),
		RedisAddr:        strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		PricingFile:      strings.TrimSpace(os.Getenv("PRICING_FILE")),
		ProviderKind:     strings.ToLower(getenv("PROVIDER_KIND", "mock")),
		ProviderBaseURL:  strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL")),
		ProviderAPIKey:   strings.TrimSpace(os.Getenv("PROVIDER_API_KEY")),
		StorageDir:       getenv("STORAGE_DIR", "./data/objects"),
		StoragePublicURL: getenv("STORAGE_PUBLIC_URL", "http://localhost:8080/objects"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	var err error
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = durationEnv("PROVIDER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MigrationTimeout, err = durationEnv("MIGRATION_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxProcessingAge, err = durationEnv("MAX_PROCESSING_AGE", 0); err != nil {
		return nil, err
	}
	if cfg.MigrationMaxBytes, err = int64Env("MIGRATION_MAX_BYTES", 500<<20); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ProviderKind {
	case "mock":
	case "http":
		if c.ProviderBaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required when PROVIDER_KIND=http")
		}
	default:
		return fmt.Errorf("unsupported PROVIDER_KIND %q", c.ProviderKind)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.MigrationMaxBytes <= 0 {
		return fmt.Errorf("MIGRATION_MAX_BYTES must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
