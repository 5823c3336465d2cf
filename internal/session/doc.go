// ABOUTME: Package documentation for the in-memory auth session registry
// ABOUTME: Covers elevation semantics and the deliberate lack of persistence

// Package session tracks authenticated human sessions in memory.
//
// Sessions are never persisted. The HMAC signing key is generated per
// process, so restarting the gateway invalidates every outstanding session
// token from the previous run. This is a feature: there is no stale-session
// cleanup problem across restarts and no at-rest secret to protect.
//
// Normal sessions carry a sliding idle expiry refreshed on every successful
// Resolve. Elevated sessions exist to bound a sensitive-operation window:
// their expiry is fixed at elevation time and does not extend on activity.
package session
