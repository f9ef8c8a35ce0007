// Package config loads the relay's small set of process-level settings
// from an optional YAML file, with environment-variable overrides and
// hardcoded defaults layered underneath (spec SPEC_FULL.md AMBIENT STACK).
//
// Grounded on the teacher's preference for gopkg.in/yaml.v3 over ad-hoc
// flag parsing for structured config-shaped data; this package has no
// teacher analogue to adapt (goa-ai reads its config from DSL-generated
// code, not a runtime YAML file) so it is built fresh in the library's
// idiom rather than copied from a teacher file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay's full set of runtime settings.
type Config struct {
	// ListenAddr is the net/http server's bind address, e.g. ":8787".
	ListenAddr string `yaml:"listen_addr"`

	// UnlockSecretPath points at a file holding the HMAC secret passed to
	// internal/unlocktoken.Derive. Never embed the secret itself in YAML.
	UnlockSecretPath string `yaml:"unlock_secret_path"`

	// PendingCallTTL bounds how long a PendingCall may await a reply
	// before the optional sweep (spec §5) expires it. Zero disables sweeping.
	PendingCallTTL time.Duration `yaml:"pending_call_ttl"`

	// RefreshDebounce is the Tool Registry's client-refresh debounce window.
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`

	// RedisAddr, if set, switches the PendingCall table to RedisPendingStore.
	RedisAddr string `yaml:"redis_addr"`

	// RateLimitPerSecond bounds inbound POST /messages/ requests per
	// session (spec SPEC_FULL.md DOMAIN STACK, golang.org/x/time/rate).
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`

	// RateLimitBurst is the token-bucket burst size paired with RateLimitPerSecond.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// defaults returns the hardcoded fallback settings, applied before the
// YAML file and environment overrides.
func defaults() Config {
	return Config{
		ListenAddr:         ":8787",
		PendingCallTTL:     0,
		RefreshDebounce:    2 * time.Second,
		RateLimitPerSecond: 5,
		RateLimitBurst:     10,
	}
}

// Load builds a Config starting from defaults, overlaying path's YAML
// contents if path is non-empty and the file exists, then overlaying any
// set environment variables (REMOTE_MCP_LISTEN_ADDR,
// REMOTE_MCP_UNLOCK_SECRET_PATH, REMOTE_MCP_REDIS_ADDR).
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// an optional file absent is not an error
		default:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMOTE_MCP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REMOTE_MCP_UNLOCK_SECRET_PATH"); v != "" {
		cfg.UnlockSecretPath = v
	}
	if v := os.Getenv("REMOTE_MCP_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
}

// UnlockSecret reads and trims the HMAC secret from UnlockSecretPath.
func (c Config) UnlockSecret() (string, error) {
	if c.UnlockSecretPath == "" {
		return "", fmt.Errorf("unlock_secret_path is not configured")
	}
	data, err := os.ReadFile(c.UnlockSecretPath)
	if err != nil {
		return "", fmt.Errorf("reading unlock secret: %w", err)
	}
	secret := string(data)
	for len(secret) > 0 && (secret[len(secret)-1] == '\n' || secret[len(secret)-1] == '\r' || secret[len(secret)-1] == ' ') {
		secret = secret[:len(secret)-1]
	}
	return secret, nil
}
