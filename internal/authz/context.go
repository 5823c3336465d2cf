// ABOUTME: Authenticated identity propagation through request handlers
// ABOUTME: Provides WithIdentity/FromContext for carrying authz results via context

package authz

import (
	"context"
)

// Identity holds the authenticated caller information for a request.
// This is populated by the auth interceptor and retrieved by handlers.
type Identity struct {
	Subject string   // login, username, or device name
	Role    string   // "operator" | "node"
	Scopes  []string // capability scopes, only set for scoped-token auth
	Method  Mode     // trust mode that admitted the connection
}

// HasScope returns true if the identity carries the named scope. Identities
// admitted by non-scoped modes have no scope restrictions.
func (id *Identity) HasScope(scope string) bool {
	if id.Method != ModeScopedToken {
		return true
	}
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context. The second return
// reports whether an identity was attached.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || id == nil {
		return nil, false
	}
	return id, true
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id, ok := FromContext(ctx)
	if !ok {
		panic("authz: Identity not found in context")
	}
	return id
}
