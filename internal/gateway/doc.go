// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes server composition and the control API surface

// Package gateway composes the fold-warden control plane into a runnable
// server pair.
//
// The gRPC server carries backend connections behind the connection
// authorization interceptors and exposes the standard health service. The
// HTTP server carries the operator control API (sessions, scoped tokens,
// agent execution, the admin journal, and audit verification), liveness
// and readiness probes, and the optional Prometheus endpoint. Both servers
// listen on plain TCP or on an embedded Tailscale node, in which case the
// node's local client also backs mesh identity resolution.
//
// Privileged mutations are double-recorded: once in the queryable admin
// journal and once in the hash-chained tamper log, under the configured
// audit write policy.
package gateway
