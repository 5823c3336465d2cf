// ABOUTME: Store interfaces, entities, and sentinel errors for durable state
// ABOUTME: Covers agent session metadata and the administrative journal

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionMeta is the durable record of an agent backend session bound to a
// conversation key. SessionID is the backend's identifier; it survives
// restarts so the key can be detected as stale and re-initialized.
type SessionMeta struct {
	Key       string // conversation key, e.g. "discord:1234"
	SessionID string // backend session identifier
	Mode      string // "persistent" or "oneshot"
	Backend   string // backend name the session was created on
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionMetaStore persists agent session metadata across restarts.
type SessionMetaStore interface {
	PutSessionMeta(ctx context.Context, meta *SessionMeta) error
	GetSessionMeta(ctx context.Context, key string) (*SessionMeta, error)
	DeleteSessionMeta(ctx context.Context, key string) error
	ListSessionMeta(ctx context.Context) ([]*SessionMeta, error)
}

// JournalStore records administrative actions for later review.
type JournalStore interface {
	AppendJournal(ctx context.Context, e *JournalEntry) error
	ListJournal(ctx context.Context, f JournalFilter) ([]JournalEntry, error)
}

// Store is the full persistence surface used by the control plane.
type Store interface {
	SessionMetaStore
	JournalStore
	Close() error
}
