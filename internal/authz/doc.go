// ABOUTME: Package doc for connection authorization
// ABOUTME: Describes trust modes and the typed rejection taxonomy

// Package authz decides whether an inbound connection is trusted. Exactly
// one trust mode is configured per gateway:
//
//   - token: constant-time comparison against a configured shared secret
//   - password: same shape, separate credential; bcrypt hashes supported
//   - trusted-proxy: identity header believed only from allowlisted peer IPs
//   - mesh: peer identity resolved through the local tailscale daemon
//   - scoped-token: delegated to the scoped capability token verifier
//
// Decisions are typed results, never panics: a rejected connection carries
// a Reason from a closed taxonomy, distinguishing "nothing configured" from
// "wrong value" so operators can tell the two apart. Callers outside the
// process only ever see a generic unauthenticated signal.
package authz
