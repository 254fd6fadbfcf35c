// Package config loads server configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DicomDir    string `mapstructure:"DICOM_DIR"`
	JobWorkers  int    `mapstructure:"JOB_WORKERS"`
	IndexCache  int    `mapstructure:"INDEX_CACHE"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("JOB_WORKERS", 4)
	v.SetDefault("INDEX_CACHE", 256)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DICOM_DIR")
	v.BindEnv("JOB_WORKERS")
	v.BindEnv("INDEX_CACHE")
	v.BindEnv("LOG_LEVEL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsePostgres reports whether the imaging index should be backed by
// Postgres. When DATABASE_URL is empty the server runs on the in-memory
// store, optionally seeded from DICOM_DIR.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run with. A
// production server must have a durable index behind it, and the worker
// pool must be able to make progress.
func (c *Config) Validate() error {
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be at least 1, got %d", c.JobWorkers)
	}
	if c.IndexCache < 0 {
		return fmt.Errorf("INDEX_CACHE must not be negative, got %d", c.IndexCache)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}
