// Package config loads Engine construction parameters from the environment
// or a YAML file, for host processes that want to wire the engine without
// hand-assembling its options.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EngineConfig mirrors the Engine constructor inputs in spec.md §6. It is a
// pure data holder: the engine itself never reads the environment.
type EngineConfig struct {
	LockTTLMs            int64  `json:"lock_ttl_ms" yaml:"lock_ttl_ms" env:"IDEMPOTENCY_LOCK_TTL_MS"`
	RetentionMs          int64  `json:"retention_ms" yaml:"retention_ms" env:"IDEMPOTENCY_RETENTION_MS"`
	HandlerTimeoutMs     int64  `json:"handler_timeout_ms" yaml:"handler_timeout_ms" env:"IDEMPOTENCY_HANDLER_TIMEOUT_MS"`
	FingerprintAlgorithm string `json:"fingerprint_algorithm" yaml:"fingerprint_algorithm" env:"IDEMPOTENCY_FINGERPRINT_ALGORITHM"`
	KeyPrefix            string `json:"key_prefix" yaml:"key_prefix" env:"IDEMPOTENCY_KEY_PREFIX"`
}

// LoggingConfig controls the ambient logger (pkg/logging).
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// Config is the top-level configuration for a process embedding the engine.
type Config struct {
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			LockTTLMs:            5_000,
			RetentionMs:          86_400_000,
			HandlerTimeoutMs:     30_000,
			FingerprintAlgorithm: "sha256",
			KeyPrefix:            "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a ".env" file if present (missing is not an error), optionally
// layers a YAML file named by CONFIG_FILE, then decodes environment
// overrides on top.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := mergeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}

	return cfg, nil
}

// LoadFile reads a Config from a YAML file at path, starting from defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := mergeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
