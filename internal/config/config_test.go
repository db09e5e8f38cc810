package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "JOURNAL_PATH", "MIGRATE", "ADMIN_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("ttl = %s, want 30s", cfg.CacheTTL)
	}
	if !cfg.Migrate {
		t.Error("migrate should default to true")
	}
	if cfg.AdminTimeout != 10*time.Minute {
		t.Errorf("admin timeout = %s, want 10m", cfg.AdminTimeout)
	}
	if cfg.UsePostgres() {
		t.Error("no DATABASE_URL should select the in-memory store")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/tribe")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("MIGRATE", "false")
	t.Setenv("JOURNAL_PATH", "/tmp/journal.db")
	t.Setenv("ADMIN_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || !cfg.UsePostgres() || cfg.CacheTTL != 2*time.Minute || cfg.Migrate {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.JournalPath != "/tmp/journal.db" {
		t.Errorf("journal path = %q", cfg.JournalPath)
	}
	if cfg.AdminTimeout != 90*time.Second {
		t.Errorf("admin timeout = %s, want 90s", cfg.AdminTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad ttl", "CACHE_TTL", "soon"},
		{"zero ttl", "CACHE_TTL", "0s"},
		{"bad migrate", "MIGRATE", "perhaps"},
		{"bad port", "PORT", "http"},
		{"bad admin timeout", "ADMIN_TIMEOUT", "later"},
		{"negative admin timeout", "ADMIN_TIMEOUT", "-1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"PORT", "CACHE_TTL", "MIGRATE", "ADMIN_TIMEOUT"} {
				t.Setenv(k, "")
			}
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}
