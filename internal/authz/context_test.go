// ABOUTME: Tests for identity propagation through context
// ABOUTME: Covers the attached, absent, and nil-identity cases

package authz

import (
	"context"
	"testing"
)

func TestFromContextRoundTrip(t *testing.T) {
	id := &Identity{Subject: "alice", Role: "operator", Method: ModeToken}
	ctx := WithIdentity(context.Background(), id)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext ok = false, want true")
	}
	if got.Subject != "alice" || got.Role != "operator" {
		t.Fatalf("identity = %+v", got)
	}
}

func TestFromContextAbsent(t *testing.T) {
	if id, ok := FromContext(context.Background()); ok || id != nil {
		t.Fatalf("FromContext on empty context = %+v, %v", id, ok)
	}
}

func TestFromContextNilIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), nil)
	if id, ok := FromContext(ctx); ok || id != nil {
		t.Fatalf("FromContext with nil identity = %+v, %v", id, ok)
	}
}

func TestMustFromContextPanicsWhenAbsent(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustFromContext did not panic on empty context")
		}
	}()
	MustFromContext(context.Background())
}
