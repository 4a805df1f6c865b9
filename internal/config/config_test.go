package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DB_SOURCE")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "file:test.db")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Env != "development" {
		t.Fatalf("unexpected defaults: port=%s env=%s", cfg.Port, cfg.Env)
	}
	if cfg.ProviderKind != "mock" {
		t.Fatalf("ProviderKind = %q, want mock", cfg.ProviderKind)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("IdempotencyTTL = %s", cfg.IdempotencyTTL)
	}
	if cfg.ProviderTimeout != 30*time.Second {
		t.Fatalf("ProviderTimeout = %s", cfg.ProviderTimeout)
	}
	if cfg.MaxProcessingAge != 0 {
		t.Fatalf("MaxProcessingAge = %s, want disabled", cfg.MaxProcessingAge)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost/db")
	t.Setenv("PROVIDER_KIND", "HTTP")
	t.Setenv("PROVIDER_BASE_URL", "https://provider.example")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	t.Setenv("MAX_PROCESSING_AGE", "2h")
	t.Setenv("MIGRATION_MAX_BYTES", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProviderKind != "http" || cfg.ProviderTimeout != 5*time.Second {
		t.Fatalf("provider settings not applied: %+v", cfg)
	}
	if cfg.MaxProcessingAge != 2*time.Hour || cfg.MigrationMaxBytes != 1024 {
		t.Fatalf("limits not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":     {"PROVIDER_TIMEOUT", "soon"},
		"bad int":          {"MIGRATION_MAX_BYTES", "lots"},
		"unknown provider": {"PROVIDER_KIND", "carrier-pigeon"},
		"http without url": {"PROVIDER_KIND", "http"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "file:test.db")
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}
