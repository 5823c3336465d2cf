// ABOUTME: Configuration loading and parsing for fold-warden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fold-warden configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig selects the connection trust mode and its inputs.
type AuthConfig struct {
	// Mode is one of: token, password, trusted-proxy, mesh, scoped-token
	Mode string `yaml:"mode"`

	// Token is the shared secret for token mode.
	Token string `yaml:"token"`

	// Password is the expected credential for password mode; a bcrypt hash
	// or a plain shared secret.
	Password string `yaml:"password"`

	// TrustedProxies lists CIDR ranges whose identity headers are trusted.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// ProxyUserHeader names the identity header in trusted-proxy mode.
	ProxyUserHeader string `yaml:"proxy_user_header"`

	// SigningKeyPath is the scoped-token signing key file. Generated on
	// first use if absent.
	SigningKeyPath string `yaml:"signing_key_path"`

	// RateLimitPerMinute throttles auth attempts per peer IP. Zero
	// disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

// SessionsConfig holds session lifetime configuration
type SessionsConfig struct {
	IdleTimeout     time.Duration `yaml:"-"`
	ElevatedTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw     string `yaml:"idle_timeout"`
	ElevatedTimeoutRaw string `yaml:"elevated_timeout"`
}

// AuditConfig holds tamper log configuration
type AuditConfig struct {
	// Path is the JSONL tamper log file.
	Path string `yaml:"path"`

	// Policy is "block" (audit failure fails the operation) or
	// "besteffort" (operation proceeds, failure is escalated in logs).
	Policy string `yaml:"policy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// validAuthModes are the trust modes the authorizer accepts.
var validAuthModes = map[string]bool{
	"token":         true,
	"password":      true,
	"trusted-proxy": true,
	"mesh":          true,
	"scoped-token":  true,
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.Mode == "" {
		return fmt.Errorf("auth.mode is required")
	}
	if !validAuthModes[c.Auth.Mode] {
		return fmt.Errorf("auth.mode %q is not a known trust mode", c.Auth.Mode)
	}
	if c.Auth.Mode == "trusted-proxy" && len(c.Auth.TrustedProxies) == 0 {
		return fmt.Errorf("auth.trusted_proxies is required in trusted-proxy mode")
	}
	if c.Auth.Mode == "scoped-token" && c.Auth.SigningKeyPath == "" {
		return fmt.Errorf("auth.signing_key_path is required in scoped-token mode")
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if c.Audit.Policy != "" && c.Audit.Policy != "block" && c.Audit.Policy != "besteffort" {
		return fmt.Errorf("audit.policy must be block or besteffort, got %q", c.Audit.Policy)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	if cfg.Sessions.ElevatedTimeoutRaw != "" {
		cfg.Sessions.ElevatedTimeout, err = time.ParseDuration(cfg.Sessions.ElevatedTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing elevated_timeout %q: %w", cfg.Sessions.ElevatedTimeoutRaw, err)
		}
	}

	return nil
}
