// Package migrate drives the orchestrator's schema with goose. The pgx
// pool serves runtime queries; goose wants database/sql, so every command
// opens a short-lived stdlib connection against the same DSN.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner executes schema migration commands against one database.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and returns a Runner.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("migrate: pool is required")
	}
	if dsn == "" {
		return Runner{}, errors.New("migrate: database dsn is required")
	}
	if dir == "" {
		return Runner{}, errors.New("migrate: migrations directory is required")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("migrate: stat migrations directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("migrate: set dialect: %w", err)
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure brings the schema up to the newest migration.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withSQL(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		r.log.Info("applying schema migrations", "dir", r.dir)
		if err := goose.UpContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		r.log.Info("schema up to date")
		return nil
	})
}

// Status prints which migrations are applied and which are pending.
func (r Runner) Status(_ context.Context) error {
	return r.withSQL(func(db *sql.DB) error {
		if err := goose.Status(db, r.dir); err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		return nil
	})
}

// Down rolls the schema back one step, or down to target when target > 0.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.withSQL(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		if target > 0 {
			r.log.Info("rolling schema back", "target", target)
			if err := goose.DownToContext(runCtx, db, r.dir, target); err != nil {
				return fmt.Errorf("migrate down to %d: %w", target, err)
			}
		} else {
			r.log.Info("rolling back newest migration")
			if err := goose.DownContext(runCtx, db, r.dir); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
		}
		r.log.Info("schema rollback done")
		return nil
	})
}

// Ping verifies the pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("migrate: ping: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (r Runner) Close() {
	r.pool.Close()
}

// withSQL lends fn a stdlib connection goose can drive.
func (r Runner) withSQL(fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("migrate: open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("migrate: verify sql connection: %w", err)
	}
	return fn(db)
}
