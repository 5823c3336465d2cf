// ABOUTME: Package doc for the hash-chained audit log
// ABOUTME: Describes the line format, canonical JSON, and verification rules

// Package tamperlog implements an append-only JSONL audit log where each
// record carries the SHA-256 hash of its own canonical body and the hash of
// the record before it. Editing, deleting, or reordering any line breaks the
// chain from that point forward, which Verify reports with the 1-based line
// number of the first divergence.
//
// Each line is a single JSON object:
//
//	{"hash":"...","payload":{...},"prevHash":null,"ts":1700000000000,"type":"auth.login","version":1}
//
// The hash covers the canonical JSON encoding of the record with the hash
// field removed. Canonical form sorts object keys recursively and preserves
// numbers exactly as JSON tokens, so appenders and verifiers agree on bytes
// regardless of map iteration order or float formatting.
//
// Truncating the file from the tail is not detectable from the file alone;
// the chain proves integrity of what remains, not completeness. Callers who
// need completeness must anchor Log tail hashes externally.
package tamperlog
