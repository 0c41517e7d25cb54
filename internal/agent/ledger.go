package agent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Ledger is the agent's local dedup and attempt record, kept in a small
// SQLite database. It is a hardening layer, not load-bearing state: losing it
// degrades the agent to the baseline at-least-once protocol, where a capture
// whose ack was lost gets reprocessed.
type Ledger struct {
	db *sqlx.DB
}

var ledgerMigrations = []string{
	`CREATE TABLE IF NOT EXISTS processed (
		capture_id INTEGER PRIMARY KEY,
		processed_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS failures (
		capture_id INTEGER PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		dead INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	)`,
}

// OpenLedger opens (or creates) the ledger under dataDir. Pass empty string
// for in-memory (tests).
func OpenLedger(dataDir string) (*Ledger, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create agent data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "ledger.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, m := range ledgerMigrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsProcessed reports whether the pipeline already succeeded for the capture.
func (l *Ledger) IsProcessed(ctx context.Context, captureID int64) (bool, error) {
	var one int
	err := l.db.GetContext(ctx, &one, "SELECT 1 FROM processed WHERE capture_id = ?", captureID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return true, nil
}

// MarkProcessed records pipeline success for the capture. Idempotent.
func (l *Ledger) MarkProcessed(ctx context.Context, captureID int64) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed (capture_id, processed_at) VALUES (?, ?)",
		captureID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger mark processed: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter for the capture and returns the new
// count.
func (l *Ledger) RecordFailure(ctx context.Context, captureID int64, message string) (int, error) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO failures (capture_id, attempts, last_error, updated_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(capture_id) DO UPDATE SET
			attempts = attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		captureID, message, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger record failure: %w", err)
	}

	var attempts int
	if err := l.db.GetContext(ctx, &attempts,
		"SELECT attempts FROM failures WHERE capture_id = ?", captureID); err != nil {
		return 0, fmt.Errorf("ledger read attempts: %w", err)
	}
	return attempts, nil
}

// MarkDead flags the capture as dead-lettered: the agent stops invoking the
// pipeline for it. The relay keeps the capture pending; deleting the failure
// row re-arms processing.
func (l *Ledger) MarkDead(ctx context.Context, captureID int64) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE failures SET dead = 1, updated_at = ? WHERE capture_id = ?",
		time.Now().UTC(), captureID)
	if err != nil {
		return fmt.Errorf("ledger mark dead: %w", err)
	}
	return nil
}

// IsDead reports whether the capture has been dead-lettered.
func (l *Ledger) IsDead(ctx context.Context, captureID int64) (bool, error) {
	var dead bool
	err := l.db.GetContext(ctx, &dead,
		"SELECT dead FROM failures WHERE capture_id = ?", captureID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger dead lookup: %w", err)
	}
	return dead, nil
}

// ClearFailure removes the failure record for a capture, typically after a
// later attempt succeeded.
func (l *Ledger) ClearFailure(ctx context.Context, captureID int64) error {
	_, err := l.db.ExecContext(ctx, "DELETE FROM failures WHERE capture_id = ?", captureID)
	if err != nil {
		return fmt.Errorf("ledger clear failure: %w", err)
	}
	return nil
}
