package core

import (
	"testing"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, DefaultMaxRetries)
	}
	if cfg.QuietStart != DefaultQuietStart || cfg.QuietEnd != DefaultQuietEnd {
		t.Errorf("quiet hours = %s/%s, want %s/%s", cfg.QuietStart, cfg.QuietEnd, DefaultQuietStart, DefaultQuietEnd)
	}
}

func TestDefaultConfigCopiesReservedPrefixesSlice(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.ReservedSessionPrefixes[0] = "mutated-"
	if b.ReservedSessionPrefixes[0] == "mutated-" {
		t.Error("DefaultConfig must not share backing array across calls")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv(EnvMaxRetries, "7")
	t.Setenv(EnvStateDir, "/tmp/custom-state")
	t.Setenv(EnvSpotCheckRate, "0.5")

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.StateDir != "/tmp/custom-state" {
		t.Errorf("StateDir = %q, want /tmp/custom-state", cfg.StateDir)
	}
	if cfg.SpotCheckRate != 0.5 {
		t.Errorf("SpotCheckRate = %v, want 0.5", cfg.SpotCheckRate)
	}
}

func TestLoadFromEnvRejectsUnparsableInt(t *testing.T) {
	t.Setenv(EnvMaxRetries, "not-a-number")
	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	if err == nil {
		t.Fatal("expected an error for unparsable MAX_RETRIES")
	}
	if !IsConfigurationError(err) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestLoadFromEnvEnablingRedisAlsoEnablesCache(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://localhost:6379")
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !cfg.Identity.CacheEnabled {
		t.Error("expected setting ATTRACTOR_REDIS_URL to enable the identity cache")
	}
	if cfg.Identity.RedisURL != "redis://localhost:6379" {
		t.Errorf("RedisURL = %q", cfg.Identity.RedisURL)
	}
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative max_retries")
	}
}

func TestValidateRejectsSpotCheckRateOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpotCheckRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for spot_check_rate > 1")
	}
}

func TestValidateRejectsMalformedQuietHours(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuietStart = "25:00"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed quiet_start")
	}
}

func TestWithMaxRetriesRejectsNegative(t *testing.T) {
	_, err := NewConfig(WithMaxRetries(-1))
	if err == nil {
		t.Fatal("expected WithMaxRetries(-1) to fail")
	}
}

func TestNewConfigAppliesOptionsAfterEnv(t *testing.T) {
	t.Setenv(EnvMaxRetries, "9")
	cfg, err := NewConfig(WithMaxRetries(2))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want functional option (2) to win over env (9)", cfg.MaxRetries)
	}
}

func TestNewConfigDefaultsLoggerWhenUnset(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Logger() == nil {
		t.Error("expected NewConfig to default the logger")
	}
}

func TestWithReservedSessionPrefixesOverridesDefault(t *testing.T) {
	cfg, err := NewConfig(WithReservedSessionPrefixes("custom-"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if len(cfg.ReservedSessionPrefixes) != 1 || cfg.ReservedSessionPrefixes[0] != "custom-" {
		t.Errorf("ReservedSessionPrefixes = %v", cfg.ReservedSessionPrefixes)
	}
}
