// Package store implements the Job Store (C1): the durable, sqlite-backed
// record of jobs, files, events, permission actions, and the idempotency
// index. It owns the state-machine and terminality invariants - every
// other component treats Store as the single writer of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"

	"github.com/jobforge/agentjobs/internal/appconfig"
)

// DB wraps the single sqlite connection shared by the Job Store and the
// goqite-backed queue (internal/queue), matching the teacher's pattern of
// one *sql.DB serving both the relational schema and the queue schema.
type DB struct {
	db     *sql.DB
	logger arbor.ILogger
	config appconfig.StoreConfig
}

// Open creates the data directory, opens the sqlite connection, and runs
// both the goqite queue setup and the Job Store's own migrations.
func Open(logger arbor.ILogger, cfg appconfig.StoreConfig) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	if cfg.ResetOnStartup {
		if cfg.Environment != "development" {
			logger.Warn().Str("environment", cfg.Environment).
				Msg("reset_on_startup set but environment is not development - ignoring for safety")
		} else if err := resetDatabase(logger, cfg.Path); err != nil {
			return nil, fmt.Errorf("reset database: %w", err)
		}
	}

	// modernc.org/sqlite registers itself under the driver name "sqlite",
	// not "sqlite3".
	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under concurrent
	// workers; all writes additionally serialize through the store's
	// per-job conditional updates.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB, logger: logger, config: cfg}

	if err := goqite.Setup(context.Background(), sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initialize goqite schema: %w", err)
	}

	if err := d.configure(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("job store initialized")
	return d, nil
}

func (d *DB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", d.config.CacheSizeMB*1024),
		fmt.Sprintf("PRAGMA busy_timeout = %d", d.config.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if d.config.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, p := range pragmas {
		if _, err := d.db.Exec(p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

// SQL returns the underlying *sql.DB so the queue manager can share the
// same connection for its goqite-backed tables.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func resetDatabase(logger arbor.ILogger, path string) error {
	logger.Warn().Str("path", path).Msg("resetting database - deleting all data")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := path + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
