// ABOUTME: In-memory registry of authenticated human sessions with elevation
// ABOUTME: Session tokens are <sessionIdHex>.<hmacHex> signed with a process-lifetime key

package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultIdleTimeout is the sliding expiry for normal sessions.
	DefaultIdleTimeout = 12 * time.Hour

	// DefaultElevatedTimeout bounds the sensitive-operation window. Elevated
	// sessions never slide; they re-expire on schedule regardless of activity.
	DefaultElevatedTimeout = 5 * time.Minute

	// pruneInterval is how often the background sweep removes expired sessions.
	pruneInterval = time.Minute

	sessionIDBytes = 16
)

// Session is one logged-in human/device context. Callers always receive a
// copy; the live record never escapes the manager.
type Session struct {
	ID              string
	Subject         string
	Role            string
	AuthenticatedAt time.Time
	ExpiresAt       time.Time
	LastActivity    time.Time
	Elevated        bool
}

// Manager owns all auth sessions. Sessions are deliberately memory-only:
// a restart regenerates the signing key and invalidates every outstanding
// token from the prior process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	key         []byte
	idleTimeout time.Duration
	elevatedTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger
	done        chan struct{}
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides the normal-session sliding expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithElevatedTimeout overrides the elevated-session fixed expiry.
func WithElevatedTimeout(d time.Duration) Option {
	return func(m *Manager) { m.elevatedTTL = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager with a fresh per-process signing key
// and starts the background prune sweep.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand never fails on supported platforms; refuse to run
		// with a predictable key if it somehow does.
		panic("session: cannot read random key: " + err.Error())
	}

	m := &Manager{
		sessions:    make(map[string]*Session),
		key:         key,
		idleTimeout: DefaultIdleTimeout,
		elevatedTTL: DefaultElevatedTimeout,
		now:         time.Now,
		logger:      logger.With("component", "session"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.pruneLoop()
	return m
}

// Close stops the background sweep. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.done)
		m.closed = true
	}
}

// Create registers a new normal session for the subject and returns the
// session copy plus its signed token.
func (m *Manager) Create(subject, role string) (Session, string) {
	idRaw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(idRaw); err != nil {
		panic("session: cannot read random id: " + err.Error())
	}
	id := hex.EncodeToString(idRaw)
	token := id + "." + hex.EncodeToString(m.sign(id))

	now := m.now()
	s := &Session{
		ID:              id,
		Subject:         subject,
		Role:            role,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(m.idleTimeout),
		LastActivity:    now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "subject", subject, "role", role)
	return *s, token
}

// Resolve validates a token and returns a copy of the live session.
// Side effect: a successful resolve slides the idle expiry of a normal
// session. Elevated sessions do not slide.
func (m *Manager) Resolve(token string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolveLocked(token)
	if s == nil {
		return Session{}, false
	}

	now := m.now()
	s.LastActivity = now
	if !s.Elevated {
		s.ExpiresAt = now.Add(m.idleTimeout)
	}
	return *s, true
}

// Elevate upgrades a session to elevated and resets its expiry to the short
// elevated window. Returns false for invalid or expired tokens.
func (m *Manager) Elevate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolveLocked(token)
	if s == nil {
		return false
	}
	s.Elevated = true
	s.ExpiresAt = m.now().Add(m.elevatedTTL)
	m.logger.Info("session elevated", "subject", s.Subject)
	return true
}

// DropElevation reverts a session to normal and restores the idle expiry.
func (m *Manager) DropElevation(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolveLocked(token)
	if s == nil {
		return false
	}
	s.Elevated = false
	s.ExpiresAt = m.now().Add(m.idleTimeout)
	return true
}

// Invalidate removes the session named by the token, if any.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.resolveLocked(token); s != nil {
		delete(m.sessions, s.ID)
		m.logger.Info("session invalidated", "subject", s.Subject)
	}
}

// InvalidateAllForUser removes every session belonging to the subject,
// leaving other subjects untouched. Used on logout-everywhere and role change.
func (m *Manager) InvalidateAllForUser(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.Subject == subject {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("sessions invalidated for subject", "subject", subject, "count", removed)
	}
	return removed
}

// Count returns the number of live (possibly expired but unswept) sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats summarizes the live session population.
type Stats struct {
	Total    int
	Elevated int
}

// SnapshotStats counts live sessions as of now, excluding expired but
// unswept entries.
func (m *Manager) SnapshotStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var st Stats
	for _, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			continue
		}
		st.Total++
		if s.Elevated {
			st.Elevated++
		}
	}
	return st
}

// resolveLocked verifies the token signature and expiry. A token whose
// signature fails verification is indistinguishable from an unknown
// session. Must be called with mu held.
func (m *Manager) resolveLocked(token string) *Session {
	id, macHex, ok := strings.Cut(token, ".")
	if !ok {
		return nil
	}
	presented, err := hex.DecodeString(macHex)
	if err != nil {
		return nil
	}
	// hmac.Equal is constant-time, including its length check.
	if !hmac.Equal(presented, m.sign(id)) {
		return nil
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		return nil
	}
	return s
}

func (m *Manager) sign(id string) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(id))
	return mac.Sum(nil)
}

// pruneLoop sweeps expired sessions on a fixed interval so abandoned
// sessions cannot grow memory without bound.
func (m *Manager) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.prune()
		case <-m.done:
			return
		}
	}
}

func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}
