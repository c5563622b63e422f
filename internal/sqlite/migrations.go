package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_conversion_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS conversion_jobs (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				tenant_id TEXT NOT NULL DEFAULT '',
				template_id TEXT NOT NULL,
				created_at TEXT NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_status ON conversion_jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_tenant ON conversion_jobs(tenant_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS conversion_steps (
				job_id TEXT NOT NULL REFERENCES conversion_jobs(id) ON DELETE CASCADE,
				step_number INTEGER NOT NULL,
				data TEXT NOT NULL,
				PRIMARY KEY (job_id, step_number)
			)`,
		},
	},
	{
		version: 2,
		name:    "init_catalog_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS module_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				tenant_id TEXT NOT NULL DEFAULT '',
				is_active INTEGER NOT NULL,
				is_public INTEGER NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS llm_configs (
				id TEXT PRIMARY KEY,
				priority INTEGER NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS staging_targets (
				id TEXT PRIMARY KEY,
				data TEXT NOT NULL
			)`,
		},
	},
}

// migrate applies every migration not yet recorded in schema_migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, formatTime(time.Now())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}
