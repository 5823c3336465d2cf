// ABOUTME: Package documentation for scoped capability tokens
// ABOUTME: Explains the wire format and verification ordering

// Package scopedtoken mints and verifies self-contained capability tokens.
//
// # Wire Format
//
// A token is "fwt_" + base64url(payload JSON) + "." + base64url(signature),
// where the signature is HMAC-SHA256 over the base64url payload segment
// using a 32-byte signing key. The payload is:
//
//	{"v":1,"jti":"...","sub":"...","role":"operator|node",
//	 "scopes":[...],"methods":[...],"iat":...,"exp":...,"nbf":...}
//
// Verification is stateless: no database is consulted. The signature is
// checked with a constant-time comparison before any field of the decoded
// payload is trusted. Rejections are typed (malformed, bad-signature,
// expired, not-yet-valid, revoked) and never panic on hostile input.
//
// Revocation is an in-memory jti denylist that an operator can populate at
// runtime. It deliberately does not survive restarts; short TTLs are the
// durable mechanism.
package scopedtoken
