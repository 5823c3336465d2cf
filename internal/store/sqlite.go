// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agent session metadata and the admin journal with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS acp_sessions (
			key        TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			mode       TEXT NOT NULL DEFAULT 'persistent',
			backend    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (mode IN ('persistent', 'oneshot'))
		);

		CREATE INDEX IF NOT EXISTS idx_acp_sessions_updated
			ON acp_sessions(updated_at);

		CREATE TABLE IF NOT EXISTS admin_journal (
			journal_id  TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'issue_token',
				'revoke_token',
				'create_session',
				'elevate_session',
				'drop_elevation',
				'invalidate_session',
				'init_agent_session',
				'close_agent_session',
				'update_config'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_journal_ts ON admin_journal(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_journal_actor ON admin_journal(actor);
		CREATE INDEX IF NOT EXISTS idx_journal_target ON admin_journal(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks database reachability for readiness probes.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// parseStoredTime parses the RFC3339 timestamps this store writes.
func parseStoredTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
