package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (d *DB) migrate() error {
	ctx := context.Background()

	if err := d.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "jobs_and_children", up: migrateV1},
		{version: 2, name: "idempotency_index", up: migrateV2},
	}

	for _, m := range migrations {
		if err := d.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func (d *DB) createMigrationsTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	return err
}

func (d *DB) runMigration(ctx context.Context, m migration) error {
	var count int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name); err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the jobs table and its dependent children: files,
// events, and permission actions.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id             TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			created_by         TEXT NOT NULL,
			requirement        TEXT NOT NULL,
			requirement_hash   TEXT NOT NULL,
			selected_skill     TEXT,
			agent              TEXT NOT NULL,
			model_provider_id  TEXT NOT NULL,
			model_model_id     TEXT NOT NULL,
			output_contract    TEXT,
			status             TEXT NOT NULL,
			session_id         TEXT,
			workspace_dir      TEXT NOT NULL,
			result_bundle_path TEXT,
			error_code         TEXT,
			error_message      TEXT,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at)`,

		`CREATE TABLE IF NOT EXISTS job_files (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id        TEXT NOT NULL,
			category      TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			mime_type     TEXT,
			size_bytes    INTEGER NOT NULL,
			sha256        TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE,
			UNIQUE(job_id, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_files_job ON job_files(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_files_category ON job_files(job_id, category)`,

		`CREATE TABLE IF NOT EXISTS job_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			status     TEXT,
			source     TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message    TEXT,
			payload    JSON,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id)`,

		`CREATE TABLE IF NOT EXISTS permission_actions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			request_id TEXT NOT NULL,
			action     TEXT NOT NULL,
			actor      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE,
			UNIQUE(job_id, request_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_permission_actions_job ON permission_actions(job_id)`,
	}

	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec: %w\nquery: %s", err, q)
		}
	}
	return nil
}

// migrateV2 adds the idempotency index used by ClaimIdempotency to give
// (tenant_id, idempotency_key, requirement_hash) a first-writer-wins mapping
// to job_id. The hash is part of the key itself - the same idempotency_key
// reused with a different requirement is a brand-new claim, not a conflict.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id        TEXT NOT NULL,
			idempotency_key  TEXT NOT NULL,
			requirement_hash TEXT NOT NULL,
			job_id           TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, idempotency_key, requirement_hash)
		)`,
	}
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec: %w\nquery: %s", err, q)
		}
	}
	return nil
}
