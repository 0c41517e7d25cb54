package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/neuralsieve/relay/internal/model"
)

// Supported backend drivers. SQLite is the embedded default; Postgres lets
// multiple relay instances share one store behind a load balancer.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the durable home of both relay tables: API keys (credential store)
// and captures (delivery queue). All status transitions go through single
// conditional UPDATE statements, so correctness survives process restarts and
// concurrent callers.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New opens a store with the given driver and DSN. For SQLite an empty DSN
// selects an in-memory database (used by tests).
func New(driver, dsn string) (*Store, error) {
	var db *sqlx.DB
	var err error

	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if dsn == "" {
			dsn = ":memory:?_journal_mode=WAL"
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
			if _, ferr := db.Exec("PRAGMA foreign_keys = ON"); ferr != nil {
				db.Close()
				return nil, fmt.Errorf("enable foreign keys: %w", ferr)
			}
		}
	case DriverPostgres:
		db, err = sqlx.Connect("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay database: %w", err)
	}
	return s, nil
}

// NewSQLite opens the embedded SQLite store under dataDir, creating the
// directory if needed. Pass empty string for in-memory.
func NewSQLite(dataDir string) (*Store, error) {
	if dataDir == "" {
		return New(DriverSQLite, "")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, "relay.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	return New(DriverSQLite, dsn)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// insertID runs an INSERT and returns the generated row id, papering over the
// LastInsertId vs RETURNING split between SQLite and Postgres.
func (s *Store) insertID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The key_hash must already be set.
// The ID and CreatedAt fields are populated after insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO api_keys (key_hash, key_prefix, name, scope, created_at)
		VALUES (?, ?, ?, ?, ?)`

	id, err := s.insertID(ctx, q, key.KeyHash, key.KeyPrefix, key.Name, key.Scope, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash. Hashes are unique,
// so the lookup never needs the raw key.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, s.db.Rebind("SELECT * FROM api_keys WHERE key_hash = ?"), hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, s.db.Rebind("SELECT * FROM api_keys WHERE id = ?"), id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API keys, newest first. Hashes ride along on the
// struct but are excluded from serialization.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey stamps revoked_at on an API key. Revoking an already-revoked
// key is a no-op success; only a missing id is ErrNotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL"), now, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish "already revoked" (idempotent success) from "no such key".
		if _, err := s.GetAPIKey(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET last_used = ? WHERE id = ?"), now, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Capture queue
// ---------------------------------------------------------------------------

// CreateCapture inserts a new pending capture, enforcing the queue ceiling in
// the same statement so concurrent submitters cannot overshoot it. maxPending
// 0 or negative disables the ceiling. The ID, Status, and ReceivedAt fields
// are populated after insert; at the ceiling the insert does nothing and
// ErrQueueFull is returned.
func (s *Store) CreateCapture(ctx context.Context, c *model.Capture, maxPending int64) error {
	c.Status = model.StatusPending
	c.ReceivedAt = time.Now().UTC()

	const q = `INSERT INTO captures (content, url, source_url, annotation, api_key_id, status, received_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE ? <= 0 OR (SELECT COUNT(*) FROM captures WHERE status = ?) < ?`
	args := []interface{}{
		c.Content, c.URL, c.SourceURL, c.Annotation, c.APIKeyID, c.Status, c.ReceivedAt,
		maxPending, model.StatusPending, maxPending,
	}

	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(q+" RETURNING id"), args...).Scan(&id)
		if err == sql.ErrNoRows {
			return ErrQueueFull
		}
		if err != nil {
			return fmt.Errorf("insert capture: %w", err)
		}
		c.ID = id
		return nil
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert capture rows affected: %w", err)
	}
	if n == 0 {
		return ErrQueueFull
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert capture id: %w", err)
	}
	c.ID = id
	return nil
}

// GetCapture returns a capture by ID.
func (s *Store) GetCapture(ctx context.Context, id int64) (*model.Capture, error) {
	var c model.Capture
	if err := s.db.GetContext(ctx, &c, s.db.Rebind("SELECT * FROM captures WHERE id = ?"), id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capture: %w", err)
	}
	return &c, nil
}

// ListPendingCaptures returns up to limit pending captures, oldest first.
// The id tiebreak keeps retrieval deterministic for same-timestamp rows.
func (s *Store) ListPendingCaptures(ctx context.Context, limit int) ([]model.Capture, error) {
	var captures []model.Capture
	q := s.db.Rebind(`SELECT * FROM captures WHERE status = ?
		ORDER BY received_at ASC, id ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &captures, q, model.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("list pending captures: %w", err)
	}
	return captures, nil
}

// AckCapture transitions a capture from pending to acked and stamps acked_at.
// The conditional UPDATE is the whole concurrency story: first committer wins,
// everyone else (and every retry) sees ErrNotFound.
func (s *Store) AckCapture(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE captures SET status = ?, acked_at = ? WHERE id = ? AND status = ?"),
		model.StatusAcked, now, id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("ack capture: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack capture rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPending returns the number of pending captures.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	q := s.db.Rebind("SELECT COUNT(*) FROM captures WHERE status = ?")
	if err := s.db.GetContext(ctx, &n, q, model.StatusPending); err != nil {
		return 0, fmt.Errorf("count pending captures: %w", err)
	}
	return n, nil
}
