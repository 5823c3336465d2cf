// ABOUTME: Package doc for the agent control plane
// ABOUTME: Explains turn serialization, stale keys, and the retry policy

// Package acp serializes agent turn execution per session key and owns the
// mapping from keys to backend runtime sessions.
//
// A session key must be initialized before it can run turns. A key carrying
// the control-plane prefix whose metadata has been lost is stale: running a
// turn against it fails closed with ACP_SESSION_INIT_FAILED instead of
// silently starting a fresh backend session under the old name.
//
// Turns for one key never overlap. Each key has a slot whose turn mutex is
// held for the full duration of a turn, so a second RunTurn for the same key
// waits for the first to completely finish, success or failure. Keys are
// independent; turns on different keys run in parallel.
//
// Slots live in an explicit registry and are removed by Forget (or by
// CloseSession), never by implicit garbage collection.
//
// Completion polling for long-running turns retries transport failures at
// +5s, +10s, and +20s. Exhausting the budget marks the run failed; the
// completion announcement fires exactly once either way.
package acp
