package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidDurations(t *testing.T) {
	t.Setenv("SALE_CACHE_TTL_SECONDS", "-4")
	t.Setenv("DECISION_LOCK_TTL_SECONDS", "abc")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "90")

	cfg := Load()
	if cfg.SaleCacheTTLSeconds != 30 {
		t.Fatalf("expected default cache ttl 30, got %d", cfg.SaleCacheTTLSeconds)
	}
	if cfg.DecisionLockTTLSeconds != 15 {
		t.Fatalf("expected default lock ttl 15, got %d", cfg.DecisionLockTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 90 {
		t.Fatalf("expected token ttl 90, got %d", cfg.AccessTokenTTLMinutes)
	}
}

func TestLoadDefaultsOwnerAndLogLevel(t *testing.T) {
	t.Setenv("DEFAULT_OWNER_ID", "")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	if cfg.DefaultOwnerID != "main-account" {
		t.Fatalf("expected main-account owner, got %q", cfg.DefaultOwnerID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lowercased log level, got %q", cfg.LogLevel)
	}
	if cfg.Address() != ":"+cfg.Port {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
