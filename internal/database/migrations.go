package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migrations lists the schema statements in application order. Each entry
// runs once; the version key records completion.
var migrations = []struct {
	version string
	stmt    string
}{
	{
		version: "001_published_posts",
		stmt: `
			CREATE TABLE IF NOT EXISTS published_posts (
				source_id        VARCHAR(255) NOT NULL,
				post_id          VARCHAR(255) NOT NULL,
				post_url         TEXT NOT NULL DEFAULT '',
				target_status_id VARCHAR(255) NOT NULL DEFAULT '',
				platform_uri     TEXT,
				published_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (source_id, post_id)
			)`,
	},
	{
		version: "002_published_posts_platform_uri_idx",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_published_posts_platform_uri ON published_posts (platform_uri)`,
	},
	{
		version: "003_source_states",
		stmt: `
			CREATE TABLE IF NOT EXISTS source_states (
				source_id    VARCHAR(255) PRIMARY KEY,
				last_check   TIMESTAMPTZ,
				last_success TIMESTAMPTZ,
				posts_today  INTEGER NOT NULL DEFAULT 0,
				last_reset   TIMESTAMPTZ,
				error_count  INTEGER NOT NULL DEFAULT 0,
				last_error   TEXT NOT NULL DEFAULT '',
				disabled_at  TIMESTAMPTZ
			)`,
	},
	{
		version: "004_activity_logs",
		stmt: `
			CREATE TABLE IF NOT EXISTS activity_logs (
				id         VARCHAR(64) PRIMARY KEY,
				source_id  VARCHAR(255),
				action     VARCHAR(32) NOT NULL,
				details    JSONB,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		version: "005_edit_buffer",
		stmt: `
			CREATE TABLE IF NOT EXISTS edit_buffer (
				source_id        VARCHAR(255) NOT NULL,
				post_id          VARCHAR(255) NOT NULL,
				username         VARCHAR(255) NOT NULL,
				text_normalized  TEXT NOT NULL,
				text_hash        VARCHAR(64) NOT NULL,
				target_status_id VARCHAR(255) NOT NULL,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (source_id, post_id)
			)`,
	},
	{
		version: "006_edit_buffer_hash_idx",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_edit_buffer_username_hash ON edit_buffer (username, text_hash)`,
	},
}

// RunMigrations applies all pending schema statements.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	pending := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		logger.Info("applying migration", "version", m.version)
		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
		pending++
	}

	if pending > 0 {
		logger.Info("migrations applied", "count", pending)
	}
	return nil
}
