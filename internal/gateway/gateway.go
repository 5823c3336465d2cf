// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Wires the authorizer, stores, session managers, and tamper log lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fold-warden/internal/acp"
	"github.com/2389/fold-warden/internal/authz"
	"github.com/2389/fold-warden/internal/config"
	"github.com/2389/fold-warden/internal/metrics"
	"github.com/2389/fold-warden/internal/scopedtoken"
	"github.com/2389/fold-warden/internal/session"
	"github.com/2389/fold-warden/internal/store"
	"github.com/2389/fold-warden/internal/tamperlog"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Gateway orchestrates the fold-warden control plane. It owns the gRPC
// server for backend connections and the HTTP server for the control API,
// health checks, and metrics.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	store      *store.SQLiteStore
	sessions   *session.Manager
	issuer     *scopedtoken.Issuer
	backends   *acp.Registry
	acp        *acp.Manager
	audit      *tamperlog.Log
	authorizer *authz.Authorizer
	limiter    *authz.AttemptLimiter
	metrics    *metrics.Metrics

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WARDEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initIssuer loads or generates the scoped-token signing key. The issuer is
// always constructed when a key path is configured so operator tooling can
// mint tokens even outside scoped-token trust mode.
func initIssuer(cfg *config.Config) (*scopedtoken.Issuer, error) {
	if cfg.Auth.SigningKeyPath == "" {
		return nil, nil
	}
	key, err := scopedtoken.LoadOrGenerateKeyFile(cfg.Auth.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	issuer, err := scopedtoken.NewIssuer(key)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	return issuer, nil
}

// buildAuthzConfig translates file config into an authorizer config.
// The mesh resolver is attached later, once the tsnet node is up.
func buildAuthzConfig(cfg *config.Config, issuer *scopedtoken.Issuer) authz.Config {
	return authz.Config{
		Mode:            authz.Mode(cfg.Auth.Mode),
		Token:           cfg.Auth.Token,
		Password:        cfg.Auth.Password,
		TrustedProxies:  cfg.Auth.TrustedProxies,
		ProxyUserHeader: cfg.Auth.ProxyUserHeader,
		Issuer:          issuer,
	}
}

// newGRPCServer creates the gRPC server with keepalive settings and the
// authorization interceptors, and registers the standard health service.
func newGRPCServer(authorizer *authz.Authorizer, limiter *authz.AttemptLimiter) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(authz.UnaryInterceptor(authorizer, limiter)),
		grpc.ChainStreamInterceptor(authz.StreamInterceptor(authorizer, limiter)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}

// New creates a Gateway from configuration. Backend runtimes are registered
// on the returned gateway's Backends registry before Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	issuer, err := initIssuer(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if issuer == nil && cfg.Auth.Mode == string(authz.ModeScopedToken) {
		_ = s.Close()
		return nil, errors.New("scoped-token mode requires auth.signing_key_path")
	}

	auditLog, err := tamperlog.Open(cfg.Audit.Path, logger,
		tamperlog.WithPolicy(tamperlog.Policy(cfg.Audit.Policy)))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening tamper log: %w", err)
	}

	authorizer, err := authz.NewAuthorizer(buildAuthzConfig(cfg, issuer), logger)
	if err != nil {
		_ = auditLog.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating authorizer: %w", err)
	}

	var limiter *authz.AttemptLimiter
	if cfg.Auth.RateLimitPerMinute > 0 {
		burst := cfg.Auth.RateLimitBurst
		if burst <= 0 {
			burst = cfg.Auth.RateLimitPerMinute
		}
		limiter = authz.NewAttemptLimiter(cfg.Auth.RateLimitPerMinute, burst)
	}

	sessionOpts := []session.Option{}
	if cfg.Sessions.IdleTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithIdleTimeout(cfg.Sessions.IdleTimeout))
	}
	if cfg.Sessions.ElevatedTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithElevatedTimeout(cfg.Sessions.ElevatedTimeout))
	}
	sessions := session.NewManager(logger, sessionOpts...)

	backends := acp.NewRegistry()
	acpManager := acp.NewManager(s, backends, logger)

	m := metrics.New()
	m.SetBuildInfo(Version, runtime.Version())
	authorizer.SetRecorder(m)
	acpManager.SetPollRecorder(m)

	gw := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      s,
		sessions:   sessions,
		issuer:     issuer,
		backends:   backends,
		acp:        acpManager,
		audit:      auditLog,
		authorizer: authorizer,
		limiter:    limiter,
		metrics:    m,
		serverID:   generateServerID(),
	}

	gw.grpcServer = newGRPCServer(authorizer, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		// Scrapes authenticate like any other caller; only health stays open.
		protect := authz.HTTPMiddleware(authorizer, limiter)
		mux.Handle(path, protect(m.Handler()))
	}
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Backends returns the runtime registry for wiring agent backends.
func (g *Gateway) Backends() *acp.Registry {
	return g.backends
}

// OnConfigReload applies reloadable config changes: authorizer credentials,
// trusted proxies, and session timeouts for newly created sessions. Listener
// and store changes are restart-only and already filtered by the reloader.
func (g *Gateway) OnConfigReload(newCfg *config.Config) error {
	if err := g.authorizer.UpdateConfig(buildAuthzConfig(newCfg, g.issuer)); err != nil {
		return err
	}
	g.metrics.RecordConfigReload(true)
	if err := g.store.AppendJournal(context.Background(), &store.JournalEntry{
		Actor:      "system",
		Action:     store.JournalUpdateConfig,
		TargetType: "config",
		TargetID:   "runtime",
	}); err != nil {
		g.logger.Error("recording config reload in journal", "error", err)
	}
	g.config = newCfg
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// resolveTailscaleStateDir returns the state directory, using a default if
// not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fold-warden", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for
// gRPC and HTTP. Once the node is up, its local client backs the mesh
// identity resolver.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if err := g.attachMeshResolver(); err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// attachMeshResolver wires the tsnet local client into the authorizer so
// mesh and token modes can resolve peer identities.
func (g *Gateway) attachMeshResolver() error {
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		return fmt.Errorf("getting tailscale local client: %w", err)
	}
	cfg := buildAuthzConfig(g.config, g.issuer)
	cfg.Resolver = authz.NewTailscaleResolver(lc)
	return g.authorizer.UpdateConfig(cfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// startServers starts gRPC and HTTP servers in goroutines, returning an
// error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on
// context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.sessions.Close()
	if g.limiter != nil {
		g.limiter.Close()
	}
	errs = appendCloseError(errs, "tamper log close", g.audit.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("fold-warden-%d", time.Now().UnixNano()%1000000)
}
