// ABOUTME: Agent session metadata persistence keyed by conversation key
// ABOUTME: Stale keys detected after restart are re-initialized, never reused blindly

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutSessionMeta inserts or replaces the session meta for a key.
// Timestamps are filled in if not set; an existing row keeps its created_at.
func (s *SQLiteStore) PutSessionMeta(ctx context.Context, meta *SessionMeta) error {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	query := `
		INSERT INTO acp_sessions (key, session_id, mode, backend, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			mode       = excluded.mode,
			backend    = excluded.backend,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		meta.Key,
		meta.SessionID,
		meta.Mode,
		meta.Backend,
		meta.CreatedAt.Format(time.RFC3339),
		meta.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting session meta: %w", err)
	}

	s.logger.Debug("stored session meta", "key", meta.Key, "session_id", meta.SessionID, "mode", meta.Mode)
	return nil
}

// GetSessionMeta retrieves the session meta for a key.
// Returns ErrNotFound if no meta exists.
func (s *SQLiteStore) GetSessionMeta(ctx context.Context, key string) (*SessionMeta, error) {
	query := `
		SELECT key, session_id, mode, backend, created_at, updated_at
		FROM acp_sessions
		WHERE key = ?
	`

	var meta SessionMeta
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&meta.Key,
		&meta.SessionID,
		&meta.Mode,
		&meta.Backend,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session meta: %w", err)
	}

	if meta.CreatedAt, err = parseStoredTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if meta.UpdatedAt, err = parseStoredTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DeleteSessionMeta removes the session meta for a key.
// Deleting a key with no meta is not an error.
func (s *SQLiteStore) DeleteSessionMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM acp_sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting session meta: %w", err)
	}
	s.logger.Debug("deleted session meta", "key", key)
	return nil
}

// ListSessionMeta returns all stored session meta ordered by most recent activity.
func (s *SQLiteStore) ListSessionMeta(ctx context.Context) ([]*SessionMeta, error) {
	query := `
		SELECT key, session_id, mode, backend, created_at, updated_at
		FROM acp_sessions
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying session meta: %w", err)
	}
	defer rows.Close()

	var metas []*SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&meta.Key,
			&meta.SessionID,
			&meta.Mode,
			&meta.Backend,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning session meta row: %w", err)
		}

		if meta.CreatedAt, err = parseStoredTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		if meta.UpdatedAt, err = parseStoredTime("updated_at", updatedAtStr); err != nil {
			return nil, err
		}
		metas = append(metas, &meta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session meta rows: %w", err)
	}
	return metas, nil
}
