package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "SYNCQ_"

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	// Note: Validation is NOT performed here to allow CLI flags to override
	// Call cfg.Validate() after applying CLI overrides in the caller

	return cfg, nil
}

// loadFromFile decodes a JSON file over cfg; keys absent from the file keep their defaults
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies SYNCQ_* variables, e.g. SYNCQ_STORE_DSN
// or SYNCQ_QUEUE_BASE_DELAY=5s
func applyEnvironmentOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("invalid environment configuration: %w", err)
	}
	return nil
}

// LoadFromEnvironment creates a configuration using only environment variables
// Validation is deferred to allow CLI flag overrides to be applied first
func LoadFromEnvironment() (*Config, error) {
	return Load("")
}
