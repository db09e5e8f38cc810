// Package config loads process configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string        // empty selects the in-memory store
	RedisURL    string        // optional read-through cache in front of Postgres
	CacheTTL    time.Duration // default 30s
	JournalPath string        // empty disables the audit journal
	Migrate     bool          // apply the Postgres schema on boot

	// AdminTimeout bounds settlement and other admin runs. Default 10m.
	AdminTimeout time.Duration
}

// UsePostgres reports whether a database URL was supplied.
func (c *Config) UsePostgres() bool { return c.DatabaseURL != "" }

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnvDefault("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JournalPath: os.Getenv("JOURNAL_PATH"),
	}

	ttl, err := time.ParseDuration(getEnvDefault("CACHE_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("CACHE_TTL: %w", err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("CACHE_TTL must be positive, got %s", ttl)
	}
	cfg.CacheTTL = ttl

	admin, err := time.ParseDuration(getEnvDefault("ADMIN_TIMEOUT", "10m"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_TIMEOUT: %w", err)
	}
	if admin <= 0 {
		return nil, fmt.Errorf("ADMIN_TIMEOUT must be positive, got %s", admin)
	}
	cfg.AdminTimeout = admin

	migrate, err := strconv.ParseBool(getEnvDefault("MIGRATE", "true"))
	if err != nil {
		return nil, fmt.Errorf("MIGRATE must be a boolean, got %q", os.Getenv("MIGRATE"))
	}
	cfg.Migrate = migrate

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("PORT must be numeric, got %q", cfg.Port)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
