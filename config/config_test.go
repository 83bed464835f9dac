package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want 3000", cfg.Port)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Errorf("DatabaseDriver = %q, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.DatabasePoolSize != 25 {
		t.Errorf("DatabasePoolSize = %d, want 25", cfg.DatabasePoolSize)
	}
	if cfg.QueueMaxRetries != 3 {
		t.Errorf("QueueMaxRetries = %d, want 3", cfg.QueueMaxRetries)
	}
	if cfg.QueueBaseRetryDelay != time.Second || cfg.QueueMaxRetryDelay != 10*time.Second {
		t.Errorf("retry delays = %v/%v, want 1s/10s", cfg.QueueBaseRetryDelay, cfg.QueueMaxRetryDelay)
	}
	if cfg.QueueDrainInterval != 30*time.Millisecond {
		t.Errorf("QueueDrainInterval = %v, want 30ms", cfg.QueueDrainInterval)
	}
	if cfg.CacheEnabled() {
		t.Error("CacheEnabled() = true without REDIS_ADDR")
	}
	if cfg.Addr() != ":3000" {
		t.Errorf("Addr() = %q, want :3000", cfg.Addr())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_POOL_SIZE", "10")
	t.Setenv("QUEUE_BASE_RETRY_DELAY", "250ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabasePoolSize != 10 {
		t.Errorf("DatabasePoolSize = %d, want 10", cfg.DatabasePoolSize)
	}
	if cfg.QueueBaseRetryDelay != 250*time.Millisecond {
		t.Errorf("QueueBaseRetryDelay = %v, want 250ms", cfg.QueueBaseRetryDelay)
	}
	if !cfg.CacheEnabled() {
		t.Error("CacheEnabled() = false with REDIS_ADDR set")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SEND_BURST=5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// godotenv never overrides variables that are already set, so clear it after.
	t.Cleanup(func() { os.Unsetenv("SEND_BURST") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SendBurst != 5 {
		t.Errorf("SendBurst = %d, want 5", cfg.SendBurst)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"empty url", func(c *Config) { c.DatabaseURL = " " }},
		{"zero pool", func(c *Config) { c.DatabasePoolSize = 0 }},
		{"negative retries", func(c *Config) { c.QueueMaxRetries = -1 }},
		{"max below base", func(c *Config) { c.QueueMaxRetryDelay = time.Millisecond }},
		{"zero capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero rate", func(c *Config) { c.SendRate = 0 }},
		{"read timeout below ping", func(c *Config) { c.WSReadTimeout = c.WSPingInterval }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}
