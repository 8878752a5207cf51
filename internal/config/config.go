// Package config loads the race server's configuration the way the
// ambient stack loads it everywhere else: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP transport demonstration (internal/httpapi).
type ServerConfig struct {
	Host            string `yaml:"host" env:"SERVER_HOST"`
	Port            int    `yaml:"port" env:"SERVER_PORT"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec" env:"SERVER_RATE_LIMIT_PER_SEC"`
	RateLimitBurst  int    `yaml:"rate_limit_burst" env:"SERVER_RATE_LIMIT_BURST"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// StorageConfig controls the persistence backend.
type StorageConfig struct {
	Driver         string `yaml:"driver" env:"STORAGE_DRIVER"` // "memory" or "postgres"
	DSN            string `yaml:"dsn" env:"STORAGE_DSN"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"STORAGE_MIGRATE_ON_START"`
}

// RaceDefaultsConfig holds race-related settings. HeartbeatIntervalMS sets
// the heartbeat period; ProcessorID is loaded but nothing reads it, so a
// schedule_race request without a processor_id is not filled from it.
type RaceDefaultsConfig struct {
	ProcessorID         string `yaml:"processor_id" env:"RACE_DEFAULT_PROCESSOR_ID"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms" env:"RACE_HEARTBEAT_INTERVAL_MS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig       `yaml:"server"`
	Logging LoggingConfig      `yaml:"logging"`
	Storage StorageConfig      `yaml:"storage"`
	Race    RaceDefaultsConfig `yaml:"race"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Driver:         "memory",
			MigrateOnStart: true,
		},
		Race: RaceDefaultsConfig{
			ProcessorID:         "most_laps",
			HeartbeatIntervalMS: 1000,
		},
	}
}

// Load loads configuration from a file (if present) and environment
// variables, in that order, so environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
