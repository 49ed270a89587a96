// Package config loads the reconciler configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"escrowsync/db"
	"escrowsync/ledger"
	"escrowsync/reconcile"
)

// Store backends.
const (
	StorePostgres = "pg"
	StoreMemory   = "memory"
)

// Config is the reconciler configuration. Durations accept Go syntax ("250ms", "2m").
type Config struct {
	Stream      string `yaml:"stream"`
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Engine   EngineConfig   `yaml:"engine"`
}

// DatabaseConfig tunes the pg pool. MaxConns 0 sizes the pool to the engine.
type DatabaseConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type LedgerConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
	RetryCeiling time.Duration `yaml:"retry_ceiling"`
}

type EngineConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	ReorderLimit   int           `yaml:"reorder_limit"`
	ReorderTimeout time.Duration `yaml:"reorder_timeout"`
	ApplyAttempts  int           `yaml:"apply_attempts"`
	RetryCeiling   time.Duration `yaml:"retry_ceiling"`
	CommitTimeout  time.Duration `yaml:"commit_timeout"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Stream:   "escrow",
		Store:    StorePostgres,
		LogLevel: "info",
		Ledger: LedgerConfig{
			Endpoint:     "http://localhost:8000",
			Timeout:      10 * time.Second,
			PollInterval: time.Second,
			BatchSize:    200,
			RetryInitial: 250 * time.Millisecond,
			RetryMax:     30 * time.Second,
			RetryCeiling: 5 * time.Minute,
		},
		Engine: EngineConfig{
			Workers:        4,
			QueueSize:      256,
			ReorderLimit:   64,
			ReorderTimeout: 2 * time.Minute,
			ApplyAttempts:  3,
			RetryCeiling:   time.Minute,
			CommitTimeout:  10 * time.Second,
			FlushInterval:  time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// DATABASE_URL, when set, overrides database_url.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Stream == "":
		return errors.New("config: stream is required")
	case c.Store != StorePostgres && c.Store != StoreMemory:
		return fmt.Errorf("config: store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	case c.Store == StorePostgres && c.DatabaseURL == "":
		return errors.New("config: database_url is required for the pg store")
	case c.Ledger.Endpoint == "":
		return errors.New("config: ledger.endpoint is required")
	case c.Ledger.BatchSize < 0 || c.Ledger.BatchSize > 10_000:
		return fmt.Errorf("config: ledger.batch_size %d out of range [0, 10000]", c.Ledger.BatchSize)
	case c.Database.MaxConns < 0:
		return errors.New("config: database.max_conns must not be negative")
	case c.Engine.Workers < 0 || c.Engine.Workers > 256:
		return fmt.Errorf("config: engine.workers %d out of range [0, 256]", c.Engine.Workers)
	case c.Engine.ReorderLimit < 0:
		return errors.New("config: engine.reorder_limit must not be negative")
	case c.Engine.ApplyAttempts < 0:
		return errors.New("config: engine.apply_attempts must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// spareConns covers the cursor flush and status reads next to the shards.
const spareConns = 4

// PoolOptions is the pg pool part of c. Without an explicit max_conns every
// engine shard gets a connection for its apply transaction plus spareConns.
func (c *Config) PoolOptions() db.PoolOptions {
	opts := db.PoolOptions{
		MaxConns:        c.Database.MaxConns,
		MaxConnIdleTime: c.Database.MaxConnIdleTime,
		MaxConnLifetime: c.Database.MaxConnLifetime,
	}
	if opts.MaxConns == 0 {
		workers := c.Engine.Workers
		if workers <= 0 {
			workers = Defaults().Engine.Workers
		}
		opts.MaxConns = int32(workers + spareConns)
	}
	return opts
}

// SourceConfig is the ledger source part of c.
func (c *Config) SourceConfig() ledger.SourceConfig {
	return ledger.SourceConfig{
		Stream:       c.Stream,
		PollInterval: c.Ledger.PollInterval,
		BatchSize:    c.Ledger.BatchSize,
		RetryInitial: c.Ledger.RetryInitial,
		RetryMax:     c.Ledger.RetryMax,
		RetryCeiling: c.Ledger.RetryCeiling,
	}
}

// EngineConfig is the reconciliation engine part of c.
func (c *Config) EngineConfig() reconcile.Config {
	return reconcile.Config{
		Stream:         c.Stream,
		Workers:        c.Engine.Workers,
		QueueSize:      c.Engine.QueueSize,
		ReorderLimit:   c.Engine.ReorderLimit,
		ReorderTimeout: c.Engine.ReorderTimeout,
		ApplyAttempts:  c.Engine.ApplyAttempts,
		RetryCeiling:   c.Engine.RetryCeiling,
		CommitTimeout:  c.Engine.CommitTimeout,
		FlushInterval:  c.Engine.FlushInterval,
	}
}
