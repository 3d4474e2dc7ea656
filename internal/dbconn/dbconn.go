// Package dbconn opens the data mart's SQLite connection, applies the
// pragmas a write-heavy concurrent workload needs, and bootstraps the
// schema via goose migrations.
package dbconn

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/senzing-garage/data-mart-replicator/migrations"
	_ "modernc.org/sqlite"
)

// Options configures the connection pool. Zero values fall back to
// sensible defaults for a single-process replicator.
type Options struct {
	Path             string
	MaxOpenConns     int
	BusyTimeoutMS    int
	SkipMigrations   bool
}

// Open opens (creating if necessary) the data mart database, applies
// WAL-mode pragmas, and runs pending migrations.
func Open(opts Options) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("dbconn: path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := enablePragmas(db, opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if !opts.SkipMigrations {
		if err := RunMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return db, nil
}

func enablePragmas(db *sql.DB, opts Options) error {
	busyTimeout := opts.BusyTimeoutMS
	if busyTimeout == 0 {
		busyTimeout = 5000
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// RunMigrations applies all pending schema migrations via goose,
// against the embedded SQL files in the migrations package.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
