package infra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowsync/db"
)

// ApplyMigrations runs the embedded migrations against the DSN.
// When isolate is true, a per-run schema is created and dropped via the returned teardown func.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("escrowsync_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		// public stays on the path for gen_random_uuid and friends.
		setPath := fmt.Sprintf("SET search_path TO %s, public", ident)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}

		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		_ = cleanup(ctx)
		return nil, nil, err
	}

	return pool, cleanup, nil
}

// Database is a migrated, isolated PostgreSQL for one test.
type Database struct {
	Pool      *pgxpool.Pool
	DSN       string
	container *PGContainer
	teardown  func(context.Context) error
}

// OpenDatabase picks a PostgreSQL in this order: overrideDSN, DATABASE_URL,
// STRESS_TEST_PG_DSN, a docker container, a local server. Shared databases get
// an isolated schema.
func OpenDatabase(ctx context.Context, overrideDSN string) (*Database, error) {
	var (
		pgC    = &PGContainer{}
		dsn    string
		shared = true
		err    error
	)
	switch {
	case overrideDSN != "":
		dsn = overrideDSN
	case os.Getenv("DATABASE_URL") != "":
		dsn = os.Getenv("DATABASE_URL")
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	case DockerAvailable(ctx):
		shared = false
		pgC, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
	default:
		shared = false
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Database{Pool: pool, DSN: dsn, container: pgC, teardown: teardown}, nil
}

// Close drops the isolated schema and stops the container, if any.
func (d *Database) Close(ctx context.Context) error {
	d.Pool.Close()
	err := d.teardown(ctx)
	if termErr := d.container.Terminate(ctx); err == nil {
		err = termErr
	}
	return err
}

// Reset truncates every projection table.
func (d *Database) Reset(ctx context.Context) error {
	tables := []string{
		"dispute_votes",
		"disputes",
		"arbiters",
		"stellar_escrows",
		"agreement_obligations",
		"applied_events",
		"sync_cursors",
		"unrecognized_events",
		"failed_events",
		"outbox",
	}

	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+pgx.Identifier{tbl}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	return tx.Commit(ctx)
}
