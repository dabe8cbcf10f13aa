// Package config loads runtime settings from the environment (optionally seeded
// from a .env file) using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/transit-tracker/internal/vault"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TRANSIT_VAULT_KEY.
const EnvPrefix = "TRANSIT"

// Store backends accepted by STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendBigQuery = "bigquery"
	BackendMemory   = "memory"
)

// Config holds all configuration for the ingestion commands.
type Config struct {
	VaultKey       string `mapstructure:"VAULT_KEY"`
	TaxonomySource string `mapstructure:"TAXONOMY_SOURCE"`

	Concurrency    int           `mapstructure:"CONCURRENCY"`
	RetryAttempts  int           `mapstructure:"RETRY_ATTEMPTS"`
	RetryBaseDelay time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	LoginRate      float64       `mapstructure:"LOGIN_RATE"`

	PortalBaseURL     string `mapstructure:"PORTAL_BASE_URL"`
	PortalUserAgent   string `mapstructure:"PORTAL_USER_AGENT"`
	StatementTimezone string `mapstructure:"STATEMENT_TIMEZONE"`

	StoreBackend    string `mapstructure:"STORE_BACKEND"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	BigQueryProject string `mapstructure:"BIGQUERY_PROJECT"`
	BigQueryDataset string `mapstructure:"BIGQUERY_DATASET"`

	ArchiveBucket  string `mapstructure:"ARCHIVE_BUCKET"`
	Schedule       string `mapstructure:"SCHEDULE"`
	HealthcheckURL string `mapstructure:"HEALTHCHECK_URL"`

	APIPort    string `mapstructure:"API_PORT"`
	APIKey     string `mapstructure:"API_KEY"`
	JobWorkers int    `mapstructure:"JOB_WORKERS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"VAULT_KEY", "TAXONOMY_SOURCE",
	"CONCURRENCY", "RETRY_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "LOGIN_RATE",
	"PORTAL_BASE_URL", "PORTAL_USER_AGENT", "STATEMENT_TIMEZONE",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "BIGQUERY_PROJECT", "BIGQUERY_DATASET",
	"ARCHIVE_BUCKET", "SCHEDULE", "HEALTHCHECK_URL",
	"API_PORT", "API_KEY", "JOB_WORKERS",
	"LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// always win over it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("LoadConfig: reading .env: %w", err)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("CONCURRENCY", 3)
	viper.SetDefault("RETRY_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BASE_DELAY", "1s")
	viper.SetDefault("RETRY_MAX_DELAY", "30s")
	viper.SetDefault("LOGIN_RATE", 1.0)
	viper.SetDefault("PORTAL_BASE_URL", "https://www.clippercard.com")
	viper.SetDefault("PORTAL_USER_AGENT", "transit-tracker/0.1")
	viper.SetDefault("STATEMENT_TIMEZONE", "America/Los_Angeles")
	viper.SetDefault("STORE_BACKEND", BackendPostgres)
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("BIGQUERY_DATASET", "transit")
	viper.SetDefault("SCHEDULE", "0 2 2 * *") // 02:00 on the 2nd of every month
	viper.SetDefault("API_PORT", "8080")
	viper.SetDefault("JOB_WORKERS", 2)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.AutomaticEnv()

	// Unmarshal only sees keys viper knows about.
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("LoadConfig: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("config: CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY must be positive")
	}
	if c.LoginRate <= 0 {
		return fmt.Errorf("config: LOGIN_RATE must be positive")
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	case BackendBigQuery:
		if c.BigQueryProject == "" {
			return fmt.Errorf("config: BIGQUERY_PROJECT is required for the %s backend", BackendBigQuery)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if _, err := time.LoadLocation(c.StatementTimezone); err != nil {
		return fmt.Errorf("config: STATEMENT_TIMEZONE: %w", err)
	}
	// Commands that never touch credentials run without a key.
	if c.VaultKey != "" {
		if _, err := vault.ParseKey(c.VaultKey); err != nil {
			return fmt.Errorf("config: VAULT_KEY: %w", err)
		}
	}
	return nil
}

// Location returns the time zone statement timestamps are printed in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StatementTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
