// ABOUTME: Turn-serializing session manager for agent backend execution
// ABOUTME: Guarantees at most one in-flight turn per session key, fails closed on stale keys

package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/fold-warden/internal/store"
)

// KeyPrefix marks session keys owned by the agent control plane. A key with
// this prefix and no stored metadata is stale, never a fresh start.
const KeyPrefix = "acp:"

// State is the resolution of a session key.
type State string

const (
	// StateUnknown means the key has no metadata and no control-plane shape.
	StateUnknown State = "unknown"

	// StateStale means the key looks control-plane-owned but its metadata is
	// gone. Running a turn against it must fail closed.
	StateStale State = "stale"

	// StateReady means metadata is present and the backend is resolvable.
	StateReady State = "ready"
)

// InitRequest establishes a session for a key on a named backend.
type InitRequest struct {
	Key     string
	Agent   string
	Backend string
	Mode    SessionMode
}

// CloseRequest tears down the session for a key. ClearMeta additionally
// removes stored metadata even when the backend is missing, so a dead
// backend never permanently wedges a session slot.
type CloseRequest struct {
	Key       string
	ClearMeta bool
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	Key       string
	RequestID string
	Events    int
	Err       *RuntimeError // nil on success
}

// SessionStatus is a point-in-time view of one session slot.
type SessionStatus struct {
	Key          string
	State        State
	Running      bool
	LastError    *RuntimeError
	LastActivity time.Time
	Meta         *store.SessionMeta
}

// slot holds per-key turn state. turnMu serializes turns; mu guards the
// mutable fields so Status and Cancel can observe a running turn.
type slot struct {
	turnMu sync.Mutex

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	lastError    *RuntimeError
	lastActivity time.Time
}

// Manager serializes turn execution per session key and owns the mapping
// from keys to backend sessions. Different keys run fully in parallel.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot

	meta     store.SessionMetaStore
	backends *Registry
	waiter   *CompletionWaiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager over the given metadata store and backends.
func NewManager(meta store.SessionMetaStore, backends *Registry, logger *slog.Logger) *Manager {
	return &Manager{
		slots:    make(map[string]*slot),
		meta:     meta,
		backends: backends,
		waiter:   NewCompletionWaiter(logger, nil),
		logger:   logger.With("component", "acp"),
		now:      time.Now,
	}
}

// SetPollRecorder attaches a completion poll recorder to the manager's
// waiter. Call before serving turns.
func (m *Manager) SetPollRecorder(r PollRecorder) {
	m.waiter.SetRecorder(r)
}

// slotFor returns the slot for a key, creating it if needed.
func (m *Manager) slotFor(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{}
		m.slots[key] = s
	}
	return s
}

// Forget drops the in-memory slot for a key. Call on session teardown;
// slots are never garbage-collected implicitly.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, key)
}

// Resolve classifies a key without side effects.
func (m *Manager) Resolve(ctx context.Context, key string) (State, *store.SessionMeta, error) {
	meta, err := m.meta.GetSessionMeta(ctx, key)
	if err == nil {
		return StateReady, meta, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return StateUnknown, nil, fmt.Errorf("resolving session %s: %w", key, err)
	}
	if strings.HasPrefix(key, KeyPrefix) {
		return StateStale, nil, nil
	}
	return StateUnknown, nil, nil
}

// InitializeSession establishes a backend session for a key and persists
// its metadata. Re-initializing an existing key replaces the metadata.
func (m *Manager) InitializeSession(ctx context.Context, req InitRequest) (*store.SessionMeta, error) {
	if req.Mode == "" {
		req.Mode = ModePersistent
	}

	rt, err := m.backends.Lookup(req.Backend)
	if err != nil {
		return nil, err
	}

	result, err := rt.EnsureSession(ctx, EnsureRequest{Key: req.Key, Agent: req.Agent, Mode: req.Mode})
	if err != nil {
		return nil, NewError(CodeSessionInitFailed, "establishing session for "+req.Key, err)
	}

	meta := &store.SessionMeta{
		Key:       req.Key,
		SessionID: result.SessionID,
		Mode:      string(req.Mode),
		Backend:   req.Backend,
	}
	if err := m.meta.PutSessionMeta(ctx, meta); err != nil {
		return nil, fmt.Errorf("persisting session meta for %s: %w", req.Key, err)
	}

	m.logger.Info("initialized agent session",
		"key", req.Key, "backend", req.Backend, "session_id", result.SessionID, "mode", req.Mode)
	return meta, nil
}

// RunTurn executes one turn for a key, streaming events to sink (which may
// be nil). A second call for the same key blocks until the first fully
// completes; calls for different keys do not block each other. A stale key
// fails closed with CodeSessionInitFailed.
func (m *Manager) RunTurn(ctx context.Context, req TurnRequest, sink func(Event)) (*TurnResult, error) {
	s := m.slotFor(req.Key)
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	state, meta, err := m.Resolve(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	switch state {
	case StateStale:
		rerr := NewError(CodeSessionInitFailed, "stale session key "+req.Key+": metadata missing", nil)
		m.recordFailure(s, rerr)
		return nil, rerr
	case StateUnknown:
		rerr := NewError(CodeSessionInitFailed, "session "+req.Key+" not initialized", nil)
		m.recordFailure(s, rerr)
		return nil, rerr
	}

	rt, err := m.backends.Lookup(meta.Backend)
	if err != nil {
		var rerr *RuntimeError
		errors.As(err, &rerr)
		m.recordFailure(s, rerr)
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.lastActivity = m.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.lastActivity = m.now()
		s.mu.Unlock()
	}()

	m.logger.Debug("turn started", "key", req.Key, "request_id", req.RequestID)

	events, err := rt.RunTurn(turnCtx, req)
	if err != nil {
		rerr := NewError(CodeBackendUnavailable, "starting turn for "+req.Key, err)
		m.recordFailure(s, rerr)
		return nil, rerr
	}

	result := &TurnResult{Key: req.Key, RequestID: req.RequestID}
	for ev := range events {
		result.Events++
		if sink != nil {
			sink(ev)
		}
		switch ev.Type {
		case EventDone:
		case EventError:
			code := ev.Code
			if code == "" {
				code = CodeTurnFailed
			}
			result.Err = NewError(code, ev.Message, nil)
		}
	}

	if result.Err == nil && turnCtx.Err() != nil {
		result.Err = NewError(CodeTurnFailed, "turn canceled", turnCtx.Err())
	}

	// A clean stream from a polling backend still needs its completion
	// confirmed before the turn counts as landed.
	if result.Err == nil {
		if poller, ok := rt.(CompletionPoller); ok {
			werr := m.waiter.Wait(turnCtx, req.Key, func(ctx context.Context) error {
				return poller.PollCompletion(ctx, req.Key)
			}, nil)
			if werr != nil {
				var rerr *RuntimeError
				if !errors.As(werr, &rerr) {
					rerr = NewError(CodeTurnFailed, "completion wait", werr)
				}
				result.Err = rerr
			}
		}
	}

	if result.Err != nil {
		m.recordFailure(s, result.Err)
		m.logger.Warn("turn failed", "key", req.Key, "request_id", req.RequestID, "error", result.Err)
	} else {
		s.mu.Lock()
		s.lastError = nil
		s.mu.Unlock()
		m.logger.Debug("turn completed", "key", req.Key, "request_id", req.RequestID, "events", result.Events)
	}

	// Oneshot sessions do not outlive their turn.
	if meta.Mode == string(ModeOneshot) {
		if err := m.closeAfterTurn(ctx, rt, req.Key); err != nil {
			m.logger.Warn("closing oneshot session", "key", req.Key, "error", err)
		}
	} else if err := m.meta.PutSessionMeta(ctx, meta); err != nil {
		m.logger.Warn("updating session meta", "key", req.Key, "error", err)
	}

	return result, nil
}

func (m *Manager) closeAfterTurn(ctx context.Context, rt Runtime, key string) error {
	if err := rt.Close(ctx, key); err != nil {
		return err
	}
	if err := m.meta.DeleteSessionMeta(ctx, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.slots, key)
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordFailure(s *slot, rerr *RuntimeError) {
	s.mu.Lock()
	s.lastError = rerr
	s.lastActivity = m.now()
	s.mu.Unlock()
}

// Cancel aborts the in-flight turn for a key, if any. The canceled turn
// still transitions back to idle through its normal completion path.
func (m *Manager) Cancel(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	meta, err := m.meta.GetSessionMeta(ctx, key)
	if err != nil {
		return nil
	}
	rt, err := m.backends.Lookup(meta.Backend)
	if err != nil {
		return nil
	}
	return rt.Cancel(ctx, key)
}

// CloseSession tears down a session. A missing backend is an error unless
// ClearMeta is set, in which case local metadata is removed anyway.
func (m *Manager) CloseSession(ctx context.Context, req CloseRequest) error {
	meta, err := m.meta.GetSessionMeta(ctx, req.Key)
	if errors.Is(err, store.ErrNotFound) {
		m.Forget(req.Key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving session %s: %w", req.Key, err)
	}

	rt, err := m.backends.Lookup(meta.Backend)
	if err != nil {
		if !req.ClearMeta {
			return err
		}
		m.logger.Warn("clearing metadata for session with missing backend",
			"key", req.Key, "backend", meta.Backend)
	} else if err := rt.Close(ctx, req.Key); err != nil {
		return NewError(CodeBackendUnavailable, "closing session "+req.Key, err)
	}

	if err := m.meta.DeleteSessionMeta(ctx, req.Key); err != nil {
		return fmt.Errorf("deleting session meta for %s: %w", req.Key, err)
	}
	m.Forget(req.Key)
	m.logger.Info("closed agent session", "key", req.Key)
	return nil
}

// Status reports the current view of a key's slot and metadata.
func (m *Manager) Status(ctx context.Context, key string) (SessionStatus, error) {
	state, meta, err := m.Resolve(ctx, key)
	if err != nil {
		return SessionStatus{}, err
	}

	status := SessionStatus{Key: key, State: state, Meta: meta}

	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		status.Running = s.running
		status.LastError = s.lastError
		status.LastActivity = s.lastActivity
		s.mu.Unlock()
	}
	return status, nil
}
