package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateConfig(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", cfg.BatchSize)
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CHANSYNC_BATCH_SIZE", "4")
	t.Setenv("CHANSYNC_MAX_AGE", "2m")
	t.Setenv("CHANSYNC_STORE", "LevelDB")
	t.Setenv("CHANSYNC_DEV", "1")
	t.Setenv("CHANSYNC_TIMEOUT", "-3")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4", cfg.BatchSize)
	}
	if cfg.DefaultMaxAge != 2*time.Minute {
		t.Errorf("DefaultMaxAge = %v, want 2m", cfg.DefaultMaxAge)
	}
	if cfg.StoreBackend != StoreLevelDB {
		t.Errorf("StoreBackend = %q, want leveldb", cfg.StoreBackend)
	}
	if !cfg.DevMode {
		t.Error("DevMode should be enabled")
	}
	if cfg.DefaultTimeout != 30 {
		t.Errorf("invalid timeout should be ignored, got %d", cfg.DefaultTimeout)
	}
}

func TestConfig_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chansync.yaml")
	content := `batch_size: 2
max_age: 45s
store: postgres
postgres_url: postgres://localhost/chansync
redis_addr: localhost:6379
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.BatchSize != 2 || cfg.DefaultMaxAge != 45*time.Second {
		t.Errorf("unexpected values: batch=%d maxAge=%v", cfg.BatchSize, cfg.DefaultMaxAge)
	}
	if cfg.StoreBackend != StorePostgres || cfg.PostgresURL == "" {
		t.Errorf("store settings not loaded: %+v", cfg)
	}
	if cfg.UserAgent == "" {
		t.Error("keys absent from the file should keep their defaults")
	}
	if err := cfg.ValidateConfig(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestConfig_LoadFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfig_ValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch_too_small", func(c *Config) { c.BatchSize = 0 }},
		{"batch_too_large", func(c *Config) { c.BatchSize = 65 }},
		{"timeout", func(c *Config) { c.DefaultTimeout = 0 }},
		{"negative_max_age", func(c *Config) { c.DefaultMaxAge = -time.Second }},
		{"empty_user_agent", func(c *Config) { c.UserAgent = " " }},
		{"unknown_store", func(c *Config) { c.StoreBackend = "sqlite" }},
		{"leveldb_without_path", func(c *Config) { c.StoreBackend = StoreLevelDB; c.StorePath = "" }},
		{"postgres_without_url", func(c *Config) { c.StoreBackend = StorePostgres }},
		{"two_credential_stores", func(c *Config) { c.RedisAddr = "localhost:6379"; c.CredentialsFile = "creds.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.ValidateConfig(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
