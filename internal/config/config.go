// Package config loads the process-wide service configuration from the
// environment once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// maxLoginAttemptsCap is the hard ceiling for the lockout threshold.
	// A larger configured value is clamped, never honored.
	maxLoginAttemptsCap = 3

	defaultAddr      = ":8080"
	defaultTokenTTL  = time.Hour
	defaultRateBurst = 20
	defaultRatePerS  = 10
)

// Config holds runtime settings for the mediateca API.
//
// EncryptionKeyHex is the hex-encoded AES-256 key for identity field
// encryption; it must never be logged.
type Config struct {
	Addr             string
	DatabaseDSN      string
	EncryptionKeyHex string
	TokenTTL         time.Duration
	MaxLoginAttempts int
	// LegacyPlaintextFallback enables treating undecryptable identity
	// columns as pre-encryption plaintext. Only meant for the migration
	// window; every fallback read is logged as degraded.
	LegacyPlaintextFallback bool
	RateBurst               int
	RatePerSecond           int
	// AutoMigrate applies pending schema migrations at startup.
	AutoMigrate bool
}

// Load reads configuration from MEDIATECA_* environment variables, applying
// defaults where unset.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:             envOr("MEDIATECA_ADDR", defaultAddr),
		DatabaseDSN:      os.Getenv("MEDIATECA_PG_DSN"),
		EncryptionKeyHex: strings.TrimSpace(os.Getenv("MEDIATECA_ENC_KEY")),
		TokenTTL:         defaultTokenTTL,
		MaxLoginAttempts: maxLoginAttemptsCap,
		RateBurst:        defaultRateBurst,
		RatePerSecond:    defaultRatePerS,
	}

	if raw := os.Getenv("MEDIATECA_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse MEDIATECA_TOKEN_TTL: %w", err)
		}
		if ttl <= 0 {
			return nil, errors.New("config: MEDIATECA_TOKEN_TTL must be positive")
		}
		cfg.TokenTTL = ttl
	}

	if raw := os.Getenv("MEDIATECA_MAX_LOGIN_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse MEDIATECA_MAX_LOGIN_ATTEMPTS: %w", err)
		}
		cfg.MaxLoginAttempts = ClampMaxAttempts(n)
	}

	if raw := os.Getenv("MEDIATECA_LEGACY_PLAINTEXT_FALLBACK"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse MEDIATECA_LEGACY_PLAINTEXT_FALLBACK: %w", err)
		}
		cfg.LegacyPlaintextFallback = v
	}

	if raw := os.Getenv("MEDIATECA_AUTO_MIGRATE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse MEDIATECA_AUTO_MIGRATE: %w", err)
		}
		cfg.AutoMigrate = v
	}

	if raw := os.Getenv("MEDIATECA_RATE_BURST"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errors.New("config: MEDIATECA_RATE_BURST must be a positive integer")
		}
		cfg.RateBurst = n
	}
	if raw := os.Getenv("MEDIATECA_RATE_PER_SECOND"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errors.New("config: MEDIATECA_RATE_PER_SECOND must be a positive integer")
		}
		cfg.RatePerSecond = n
	}

	if cfg.EncryptionKeyHex == "" {
		return nil, errors.New("config: MEDIATECA_ENC_KEY is required")
	}
	return cfg, nil
}

// ClampMaxAttempts applies the hard cap on the lockout threshold. Values at
// or below zero fall back to the cap rather than disabling lockout.
func ClampMaxAttempts(n int) int {
	if n <= 0 || n > maxLoginAttemptsCap {
		return maxLoginAttemptsCap
	}
	return n
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
