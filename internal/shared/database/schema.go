package database

import (
	"context"
	"fmt"
)

var schemas = map[string][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			used_today BIGINT NOT NULL DEFAULT 0,
			daily_limit BIGINT NOT NULL,
			last_used_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_active_used ON credentials (active, used_today)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			id BIGSERIAL PRIMARY KEY,
			credential_id TEXT NULL,
			model_name TEXT NOT NULL,
			call_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			input_units BIGINT NOT NULL DEFAULT 0,
			output_units BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_created_at ON call_logs (created_at)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS credentials (
			id VARCHAR(64) PRIMARY KEY,
			secret TEXT NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			used_today BIGINT NOT NULL DEFAULT 0,
			daily_limit BIGINT NOT NULL,
			last_used_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_credentials_active_used (active, used_today)
		)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			credential_id VARCHAR(64) NULL,
			model_name VARCHAR(255) NOT NULL,
			call_type VARCHAR(32) NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL,
			input_units BIGINT NOT NULL DEFAULT 0,
			output_units BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_call_logs_created_at (created_at)
		)`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT 1,
			used_today INTEGER NOT NULL DEFAULT 0,
			daily_limit INTEGER NOT NULL,
			last_used_at DATETIME NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_active_used ON credentials (active, used_today)`,
		`CREATE TABLE IF NOT EXISTS call_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_id TEXT NULL,
			model_name TEXT NOT NULL,
			call_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms INTEGER NOT NULL,
			input_units INTEGER NOT NULL DEFAULT 0,
			output_units INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_logs_created_at ON call_logs (created_at)`,
	},
}

// Migrate creates the credentials and call_logs tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	stmts, ok := schemas[db.driver]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, db.driver)
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
