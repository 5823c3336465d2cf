// ABOUTME: Package documentation for the config package
// ABOUTME: Describes the YAML layout, env expansion, and reload behavior

// Package config loads and validates fold-warden configuration from YAML.
//
// The file is organized into sections:
//
//	server:    gRPC and HTTP listener addresses
//	tailscale: optional tsnet node settings (hostname, auth key, state dir)
//	database:  SQLite database path
//	auth:      trust mode (token, password, trusted-proxy, mesh, scoped-token)
//	           plus the credentials and limits that mode needs
//	sessions:  idle and elevated session lifetimes
//	audit:     tamper-evident log path and failure policy
//	logging:   level and format
//	metrics:   Prometheus endpoint toggle and path
//
// Values of the form ${VAR_NAME} are expanded from the environment before
// parsing, so secrets can stay out of the file. Duration fields accept the
// time.ParseDuration syntax ("30m", "1h").
//
// A Reloader can watch the file and re-read it on SIGHUP or on write. New
// files are validated before being swapped in; sections bound at startup
// (listener addresses, database path, trust mode) are reported but ignored
// until restart.
package config
