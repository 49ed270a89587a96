package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeFile(t, `
stream: escrow-testnet
database_url: postgres://localhost/escrow
ledger:
  endpoint: https://rpc.example.org
  poll_interval: 250ms
engine:
  workers: 8
  reorder_timeout: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream != "escrow-testnet" {
		t.Errorf("stream = %q", cfg.Stream)
	}
	if cfg.Ledger.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %s", cfg.Ledger.PollInterval)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.ReorderTimeout != 30*time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.ReorderLimit != 64 || cfg.Ledger.BatchSize != 200 {
		t.Errorf("defaults lost: reorder_limit=%d batch_size=%d", cfg.Engine.ReorderLimit, cfg.Ledger.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.Stream != "escrow-testnet" || ec.Workers != 8 {
		t.Errorf("engine config = %+v", ec)
	}
	sc := cfg.SourceConfig()
	if sc.Stream != "escrow-testnet" || sc.PollInterval != 250*time.Millisecond {
		t.Errorf("source config = %+v", sc)
	}
}

func TestLoadEnvOverridesDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/escrow")
	cfg, err := Load(writeFile(t, "database_url: postgres://file/escrow\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/escrow" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StorePostgres || cfg.Stream != "escrow" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "strem: typo\n"))
	if err == nil || !strings.Contains(err.Error(), "strem") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: open") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory store needs no database", func(c *Config) { c.Store = StoreMemory }, ""},
		{"pg store needs database", func(c *Config) { c.DatabaseURL = "" }, "database_url"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "store must be"},
		{"empty stream", func(c *Config) { c.Stream = "" }, "stream is required"},
		{"no endpoint", func(c *Config) { c.Ledger.Endpoint = "" }, "ledger.endpoint"},
		{"too many workers", func(c *Config) { c.Engine.Workers = 1000 }, "engine.workers"},
		{"negative max conns", func(c *Config) { c.Database.MaxConns = -1 }, "database.max_conns"},
		{"negative reorder limit", func(c *Config) { c.Engine.ReorderLimit = -1 }, "reorder_limit"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.DatabaseURL = "postgres://localhost/escrow"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPoolOptionsSizedToWorkers(t *testing.T) {
	path := writeFile(t, "engine:\n  workers: 12\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.PoolOptions().MaxConns; got != 16 {
		t.Errorf("max conns = %d, want 16", got)
	}

	cfg.Engine.Workers = 0
	if got := cfg.PoolOptions().MaxConns; got != 8 {
		t.Errorf("max conns with default workers = %d, want 8", got)
	}

	path = writeFile(t, "database:\n  max_conns: 3\n  max_conn_idle_time: 30s\nengine:\n  workers: 12\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := cfg.PoolOptions()
	if opts.MaxConns != 3 || opts.MaxConnIdleTime != 30*time.Second {
		t.Errorf("pool options = %+v, want explicit max_conns 3 and idle 30s", opts)
	}
}
