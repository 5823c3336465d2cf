// ABOUTME: Entry point for the fold-warden control-plane daemon
// ABOUTME: Serves the trust gateway plus audit verification and key tooling

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fold-warden/internal/config"
	"github.com/2389/fold-warden/internal/gateway"
	"github.com/2389/fold-warden/internal/scopedtoken"
	"github.com/2389/fold-warden/internal/tamperlog"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __       _     _                         _
 / _| ___ | | __| |    __      ____ _ _ __| | ___ _ __
| |_ / _ \| |/ _' |____\ \ /\ / / _' | '__| |/ _ \ '_ \
|  _| (_) | | (_| |_____\ V  V / (_| | |  | |  __/ | | |
|_|  \___/|_|\__,_|      \_/\_/ \__,_|_|  |_|\___|_| |_|
`

// getConfigPath returns the path to the warden config file.
// Priority: WARDEN_CONFIG env var > XDG_CONFIG_HOME/fold-warden/warden.yaml
// > ~/.config/fold-warden/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fold-warden", "warden.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fold-warden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve         Start the control-plane server")
		fmt.Println("  init          Create a starter config file")
		fmt.Println("  keygen        Generate the scoped-token signing key")
		fmt.Println("  verify-audit  Verify the tamper log hash chain")
		fmt.Println("  health        Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "keygen":
		err = runKeygen()
	case "verify-audit":
		err = runVerifyAudit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Mode:    %s\n", cfg.Auth.Mode)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Node:    ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:    %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	logger.Info("starting fold-warden",
		"config", configPath,
		"auth_mode", cfg.Auth.Mode,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	reloader := config.NewReloader(configPath, cfg, true, logger)
	reloader.Register(gw)
	if err := reloader.Start(ctx); err != nil {
		return fmt.Errorf("starting config reloader: %w", err)
	}
	defer reloader.Stop()

	return gw.Run(ctx)
}

const starterConfig = `server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

database:
  path: "${HOME}/.local/share/fold-warden/warden.db"

auth:
  mode: "token"
  token: "%s"
  signing_key_path: "${HOME}/.local/share/fold-warden/signing.key"
  rate_limit_per_minute: 30
  rate_limit_burst: 10

sessions:
  idle_timeout: "12h"
  elevated_timeout: "5m"

audit:
  path: "${HOME}/.local/share/fold-warden/audit.jsonl"
  policy: "block"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// runInit writes a starter config with a random gateway token. Refuses to
// overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	token, err := randomToken()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(starterConfig, token)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("  Edit auth.mode to switch trust modes; run 'fold-warden keygen'")
	fmt.Println("  before enabling scoped-token mode.")
	return nil
}

// runKeygen generates the signing key file named in the config.
func runKeygen() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.SigningKeyPath == "" {
		return fmt.Errorf("auth.signing_key_path is not configured")
	}
	if _, err := os.Stat(cfg.Auth.SigningKeyPath); err == nil {
		return fmt.Errorf("key already exists at %s", cfg.Auth.SigningKeyPath)
	}

	if _, err := scopedtoken.GenerateKeyFile(cfg.Auth.SigningKeyPath); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Signing key written to %s\n", cfg.Auth.SigningKeyPath)
	return nil
}

// runVerifyAudit walks the tamper log chain offline.
func runVerifyAudit() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	result := tamperlog.Verify(cfg.Audit.Path)
	if result.OK {
		green := color.New(color.FgGreen)
		green.Print("✓ ")
		fmt.Printf("chain intact: %d records", result.Count)
		if result.LastHash != "" {
			fmt.Printf(", tip %s", result.LastHash[:12])
		}
		fmt.Println()
		return nil
	}

	red := color.New(color.FgRed, color.Bold)
	red.Print("✗ ")
	fmt.Printf("chain broken at line %d after %d good records\n", result.Line, result.Count)
	return result.Err
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// randomToken returns a hex-encoded 32-byte random secret.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
