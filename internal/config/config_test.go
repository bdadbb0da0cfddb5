package config

import (
	"testing"
	"time"
)

const key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEDIATECA_ENC_KEY", key)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected ttl: %v", cfg.TokenTTL)
	}
	if cfg.MaxLoginAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.MaxLoginAttempts)
	}
	if cfg.LegacyPlaintextFallback {
		t.Fatalf("legacy fallback must default to off")
	}
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	t.Setenv("MEDIATECA_ENC_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without encryption key")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEDIATECA_ENC_KEY", key)
	t.Setenv("MEDIATECA_ADDR", ":9090")
	t.Setenv("MEDIATECA_TOKEN_TTL", "30m")
	t.Setenv("MEDIATECA_MAX_LOGIN_ATTEMPTS", "2")
	t.Setenv("MEDIATECA_LEGACY_PLAINTEXT_FALLBACK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.TokenTTL != 30*time.Minute || cfg.MaxLoginAttempts != 2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.LegacyPlaintextFallback {
		t.Fatalf("expected legacy fallback enabled")
	}
}

func TestMaxAttemptsIsCapped(t *testing.T) {
	t.Setenv("MEDIATECA_ENC_KEY", key)
	t.Setenv("MEDIATECA_MAX_LOGIN_ATTEMPTS", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxLoginAttempts != 3 {
		t.Fatalf("expected cap at 3, got %d", cfg.MaxLoginAttempts)
	}

	for n, want := range map[int]int{-1: 3, 0: 3, 1: 1, 3: 3, 99: 3} {
		if got := ClampMaxAttempts(n); got != want {
			t.Fatalf("ClampMaxAttempts(%d) = %d, want %d", n, got, want)
		}
	}
}
