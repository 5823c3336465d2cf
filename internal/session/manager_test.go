// ABOUTME: Unit tests for the session manager
// ABOUTME: Uses a fake clock to verify sliding vs fixed expiry semantics

package session

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a mutable time source shared with the manager under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(slog.Default(),
		WithClock(clock.Now),
		WithIdleTimeout(time.Hour),
		WithElevatedTimeout(5*time.Minute),
	)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateAndResolve(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	created, token := m.Create("alice", "admin")
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q missing separator", token)
	}

	got, ok := m.Resolve(token)
	if !ok {
		t.Fatal("Resolve() failed for fresh token")
	}
	if got.Subject != "alice" || got.Role != "admin" {
		t.Errorf("resolved session = %+v", got)
	}
	if got.ID != created.ID {
		t.Errorf("session id mismatch: %s != %s", got.ID, created.ID)
	}
}

func TestManager_ResolveReturnsCopy(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, token := m.Create("alice", "admin")
	got, _ := m.Resolve(token)
	got.Subject = "mallory"

	again, ok := m.Resolve(token)
	if !ok {
		t.Fatal("Resolve() failed")
	}
	if again.Subject != "alice" {
		t.Error("mutating a resolved copy changed the live record")
	}
}

func TestManager_InvalidTokens(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := m.Create("alice", "admin")

	id, _, _ := strings.Cut(token, ".")
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", id},
		{"bad hex mac", id + ".zzzz"},
		{"wrong mac", id + "." + strings.Repeat("ab", 32)},
		{"unknown id", strings.Repeat("00", 16) + "." + strings.Repeat("ab", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := m.Resolve(tt.token); ok {
				t.Error("Resolve() accepted an invalid token")
			}
		})
	}
}

func TestManager_NormalSessionSlides(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := m.Create("alice", "admin")

	// Keep resolving every 45 minutes; the 1h idle window should keep sliding.
	for i := 0; i < 4; i++ {
		clock.Advance(45 * time.Minute)
		if _, ok := m.Resolve(token); !ok {
			t.Fatalf("session expired after %d slides", i)
		}
	}

	// Go quiet past the idle window and the session is gone.
	clock.Advance(61 * time.Minute)
	if _, ok := m.Resolve(token); ok {
		t.Fatal("idle session survived past the window")
	}
}

func TestManager_ElevatedSessionDoesNotSlide(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := m.Create("alice", "admin")

	if !m.Elevate(token) {
		t.Fatal("Elevate() failed")
	}

	// Activity every 2 minutes must not extend the 5 minute elevated window.
	clock.Advance(2 * time.Minute)
	if _, ok := m.Resolve(token); !ok {
		t.Fatal("elevated session expired early")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := m.Resolve(token); !ok {
		t.Fatal("elevated session expired early")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := m.Resolve(token); ok {
		t.Fatal("elevated session slid past its fixed window")
	}
}

func TestManager_DropElevationRestoresIdleWindow(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := m.Create("alice", "admin")

	if !m.Elevate(token) {
		t.Fatal("Elevate() failed")
	}
	if !m.DropElevation(token) {
		t.Fatal("DropElevation() failed")
	}

	got, ok := m.Resolve(token)
	if !ok {
		t.Fatal("Resolve() failed after drop")
	}
	if got.Elevated {
		t.Error("session still elevated after drop")
	}

	// Well past the elevated window but inside the idle window.
	clock.Advance(30 * time.Minute)
	if _, ok := m.Resolve(token); !ok {
		t.Error("session expired on the elevated schedule after de-elevation")
	}
}

func TestManager_ElevateInvalidToken(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	if m.Elevate("garbage") {
		t.Error("Elevate() accepted an invalid token")
	}
	if m.DropElevation("garbage") {
		t.Error("DropElevation() accepted an invalid token")
	}
}

func TestManager_Invalidate(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	_, token := m.Create("alice", "admin")

	m.Invalidate(token)
	if _, ok := m.Resolve(token); ok {
		t.Fatal("Resolve() succeeded after Invalidate()")
	}
}

func TestManager_InvalidateAllForUser(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, aliceA := m.Create("alice", "admin")
	_, aliceB := m.Create("alice", "admin")
	_, bob := m.Create("bob", "viewer")

	if removed := m.InvalidateAllForUser("alice"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := m.Resolve(aliceA); ok {
		t.Error("alice session A survived")
	}
	if _, ok := m.Resolve(aliceB); ok {
		t.Error("alice session B survived")
	}
	if _, ok := m.Resolve(bob); !ok {
		t.Error("bob's session was removed")
	}
}

func TestManager_PruneRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	m.Create("alice", "admin")
	m.Create("bob", "viewer")
	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}

	clock.Advance(2 * time.Hour)
	m.prune()
	if m.Count() != 0 {
		t.Errorf("Count() = %d after prune, want 0", m.Count())
	}
}

func TestManager_RestartInvalidatesTokens(t *testing.T) {
	clock := newFakeClock()
	m1 := newTestManager(t, clock)
	_, token := m1.Create("alice", "admin")

	// A second manager has a fresh key; the old token must not resolve
	// even if an identically-keyed session id existed.
	m2 := newTestManager(t, clock)
	if _, ok := m2.Resolve(token); ok {
		t.Fatal("token from a prior process resolved against a new key")
	}
}
