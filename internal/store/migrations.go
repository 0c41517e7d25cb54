package store

import (
	"fmt"
	"strings"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT 'standard',
		created_at DATETIME NOT NULL,
		revoked_at DATETIME,
		last_used DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS captures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL DEFAULT '',
		url TEXT,
		source_url TEXT,
		annotation TEXT,
		api_key_id INTEGER NOT NULL REFERENCES api_keys(id),
		status TEXT NOT NULL DEFAULT 'pending',
		received_at DATETIME NOT NULL,
		acked_at DATETIME
	)`,

	`CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status)`,
	`CREATE INDEX IF NOT EXISTS idx_captures_received ON captures(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT 'standard',
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		last_used TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS captures (
		id BIGSERIAL PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		url TEXT,
		source_url TEXT,
		annotation TEXT,
		api_key_id BIGINT NOT NULL REFERENCES api_keys(id),
		status TEXT NOT NULL DEFAULT 'pending',
		received_at TIMESTAMPTZ NOT NULL,
		acked_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status)`,
	`CREATE INDEX IF NOT EXISTS idx_captures_received ON captures(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
}

func (s *Store) migrate() error {
	migrations := sqliteMigrations
	if s.driver == DriverPostgres {
		migrations = postgresMigrations
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
