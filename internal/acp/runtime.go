// ABOUTME: Backend runtime interface and registry for agent session execution
// ABOUTME: Backends are registered by name; a missing backend is a typed failure

package acp

import (
	"context"
	"sync"
)

// SessionMode controls backend session lifetime.
type SessionMode string

const (
	// ModePersistent keeps the backend session alive across turns.
	ModePersistent SessionMode = "persistent"

	// ModeOneshot closes the backend session after every turn.
	ModeOneshot SessionMode = "oneshot"
)

// EventType classifies a streamed turn event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one unit of a streamed turn. The stream is terminated by exactly
// one EventDone or EventError.
type Event struct {
	Type     EventType
	Text     string
	ToolName string
	Code     Code   // set on EventError
	Message  string // set on EventError
}

// EnsureRequest asks a backend to establish (or re-attach) a session.
type EnsureRequest struct {
	Key   string
	Agent string
	Mode  SessionMode
}

// EnsureResult is the backend's view of an established session.
type EnsureResult struct {
	SessionID string // backend-assigned runtime session name
	Backend   string
}

// TurnRequest is one unit of agent execution.
type TurnRequest struct {
	Key       string
	RequestID string
	Text      string
}

// Runtime is the backend that actually runs agent turns. The control plane
// never implements this; it only decides whether and when calls happen.
type Runtime interface {
	EnsureSession(ctx context.Context, req EnsureRequest) (EnsureResult, error)
	RunTurn(ctx context.Context, req TurnRequest) (<-chan Event, error)
	Cancel(ctx context.Context, key string) error
	Close(ctx context.Context, key string) error
}

// CompletionPoller is implemented by runtimes whose event stream ending
// does not by itself prove the turn landed. After a clean stream, the
// manager polls PollCompletion under the retry schedule before declaring
// the turn complete.
type CompletionPoller interface {
	PollCompletion(ctx context.Context, key string) error
}

// Registry maps backend names to Runtime implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Runtime
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Runtime)}
}

// Register adds or replaces a backend under the given name.
func (r *Registry) Register(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = rt
}

// Lookup resolves a backend by name. A missing backend returns
// CodeBackendMissing rather than nil.
func (r *Registry) Lookup(name string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.backends[name]
	if !ok {
		return nil, NewError(CodeBackendMissing, "backend not registered: "+name, nil)
	}
	return rt, nil
}

// Names returns the registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
