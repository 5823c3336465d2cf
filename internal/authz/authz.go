// ABOUTME: Multi-mode connection authorizer producing typed accept/reject decisions
// ABOUTME: Supports shared-token, password, trusted-proxy, mesh-identity, and scoped-token trust

package authz

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/fold-warden/internal/scopedtoken"
)

// Mode selects how inbound connections are trusted.
type Mode string

const (
	ModeToken        Mode = "token"
	ModePassword     Mode = "password"
	ModeTrustedProxy Mode = "trusted-proxy"
	ModeMesh         Mode = "mesh"
	ModeScopedToken  Mode = "scoped-token"
)

// Reason is a typed rejection from a closed taxonomy. Reasons are logged
// server-side; callers only see a generic unauthenticated signal.
type Reason string

const (
	ReasonTokenMissing             Reason = "token_missing"
	ReasonTokenMismatch            Reason = "token_mismatch"
	ReasonTokenMissingConfig       Reason = "token_missing_config"
	ReasonPasswordMissing          Reason = "password_missing"
	ReasonPasswordMismatch         Reason = "password_mismatch"
	ReasonPasswordMissingConfig    Reason = "password_missing_config"
	ReasonProxyUserMissing         Reason = "trusted_proxy_user_missing"
	ReasonProxyUntrusted           Reason = "trusted_proxy_untrusted_proxy"
	ReasonMeshIdentityUnknown      Reason = "mesh_identity_unknown"
	ReasonMeshMissingConfig        Reason = "mesh_missing_config"
	ReasonScopedTokenMissing       Reason = "scoped_token_missing"
	ReasonScopedTokenRejected      Reason = "scoped_token_rejected"
	ReasonScopedTokenMissingIssuer Reason = "scoped_token_missing_issuer"
	ReasonUnknownMode              Reason = "unknown_mode"
	ReasonRateLimited              Reason = "rate_limited"
)

// Result is the authorization decision for one connection.
type Result struct {
	OK       bool
	Method   Mode
	Identity *Identity
	Reason   Reason // set only when OK is false
}

func accept(method Mode, id *Identity) Result {
	if id != nil {
		id.Method = method
	}
	return Result{OK: true, Method: method, Identity: id}
}

func reject(reason Reason) Result {
	return Result{OK: false, Reason: reason}
}

// Request carries the connection metadata an authorizer evaluates. Absent
// fields are empty strings; Authorize never fails on malformed input, it
// returns a typed rejection.
type Request struct {
	Token       string     // presented shared secret (token mode)
	Password    string     // presented password (password mode)
	ScopedToken string     // presented capability token (scoped-token mode)
	ProxyUser   string     // identity header value (trusted-proxy mode)
	PeerIP      netip.Addr // immediate peer address
}

// IdentityResolver looks up a pre-authenticated identity for a peer
// address, typically against a mesh network's local daemon.
type IdentityResolver interface {
	ResolvePeer(ctx context.Context, peer netip.Addr) (login string, err error)
}

// Config selects the trust mode and its inputs.
type Config struct {
	Mode Mode

	// Token is the shared secret for token mode.
	Token string

	// Password is the expected credential for password mode. A value with
	// a bcrypt prefix is treated as a hash; anything else is compared as
	// a plain shared secret.
	Password string

	// TrustedProxies lists CIDR ranges whose identity headers are trusted.
	TrustedProxies []string

	// ProxyUserHeader names the identity header read in trusted-proxy
	// mode. Empty means X-Forwarded-User.
	ProxyUserHeader string

	// Resolver supplies mesh identities. In token mode it acts as an
	// alternative to presenting the shared secret.
	Resolver IdentityResolver

	// Issuer verifies scoped tokens.
	Issuer *scopedtoken.Issuer
}

// DecisionRecorder receives authorization outcomes for metrics export.
type DecisionRecorder interface {
	RecordAuthDecision(mode string, accepted bool, reason string)
	RecordRateLimitHit()
}

// Authorizer evaluates inbound connections against one configured trust mode.
type Authorizer struct {
	mu       sync.RWMutex
	cfg      Config
	proxies  *TrustedProxies
	logger   *slog.Logger
	recorder DecisionRecorder
}

// NewAuthorizer builds an Authorizer. Invalid trusted-proxy CIDRs are an error.
func NewAuthorizer(cfg Config, logger *slog.Logger) (*Authorizer, error) {
	proxies, err := NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &Authorizer{
		cfg:     cfg,
		proxies: proxies,
		logger:  logger.With("component", "authz"),
	}, nil
}

// UpdateConfig swaps credentials and the trusted-proxy list at runtime.
// The trust mode is bound at startup; a mode change is an error.
func (a *Authorizer) UpdateConfig(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.Mode != a.cfg.Mode {
		return fmt.Errorf("authz: trust mode change from %q to %q requires restart", a.cfg.Mode, cfg.Mode)
	}
	proxies, err := NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	if cfg.Resolver == nil {
		cfg.Resolver = a.cfg.Resolver
	}
	if cfg.Issuer == nil {
		cfg.Issuer = a.cfg.Issuer
	}
	a.cfg = cfg
	a.proxies = proxies
	a.logger.Info("authorizer credentials updated", "mode", cfg.Mode)
	return nil
}

// SetRecorder attaches a metrics recorder for decision outcomes. Call before
// serving; a nil recorder disables recording.
func (a *Authorizer) SetRecorder(r DecisionRecorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorder = r
}

// recordRateLimit counts an attempt dropped before credential evaluation.
func (a *Authorizer) recordRateLimit() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.recorder != nil {
		a.recorder.RecordRateLimitHit()
	}
}

// proxyUserHeader returns the configured trusted-proxy identity header.
func (a *Authorizer) proxyUserHeader() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfg.ProxyUserHeader != "" {
		return a.cfg.ProxyUserHeader
	}
	return hdrProxyUser
}

// Authorize evaluates one connection and returns a typed decision. It never
// panics or errors on absent metadata.
func (a *Authorizer) Authorize(ctx context.Context, req Request) Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result Result
	switch a.cfg.Mode {
	case ModeToken:
		result = a.authorizeToken(ctx, req)
	case ModePassword:
		result = a.authorizePassword(req)
	case ModeTrustedProxy:
		result = a.authorizeTrustedProxy(req)
	case ModeMesh:
		result = a.authorizeMesh(ctx, req)
	case ModeScopedToken:
		result = a.authorizeScopedToken(req)
	default:
		result = reject(ReasonUnknownMode)
	}

	if !result.OK {
		attrs := []any{"mode", a.cfg.Mode, "reason", result.Reason}
		if req.PeerIP.IsValid() {
			attrs = append(attrs, "peer_ip", req.PeerIP.String())
		}
		a.logger.Warn("connection rejected", attrs...)
	}
	if a.recorder != nil {
		a.recorder.RecordAuthDecision(string(a.cfg.Mode), result.OK, string(result.Reason))
	}
	return result
}

// authorizeToken compares the presented shared secret in constant time.
// A mesh resolver, when configured, can vouch for a peer that presents no
// token at all.
func (a *Authorizer) authorizeToken(ctx context.Context, req Request) Result {
	if a.cfg.Token == "" {
		return reject(ReasonTokenMissingConfig)
	}
	if req.Token == "" {
		if a.cfg.Resolver != nil && req.PeerIP.IsValid() {
			if login, err := a.cfg.Resolver.ResolvePeer(ctx, req.PeerIP); err == nil && login != "" {
				return accept(ModeMesh, &Identity{Subject: login, Role: "operator"})
			}
		}
		return reject(ReasonTokenMissing)
	}
	if !constantTimeEqual(req.Token, a.cfg.Token) {
		return reject(ReasonTokenMismatch)
	}
	return accept(ModeToken, nil)
}

func (a *Authorizer) authorizePassword(req Request) Result {
	if a.cfg.Password == "" {
		return reject(ReasonPasswordMissingConfig)
	}
	if req.Password == "" {
		return reject(ReasonPasswordMissing)
	}
	if !passwordMatches(req.Password, a.cfg.Password) {
		return reject(ReasonPasswordMismatch)
	}
	return accept(ModePassword, nil)
}

// authorizeTrustedProxy trusts the identity header only when the immediate
// peer is on the proxy allowlist. The header alone proves nothing.
func (a *Authorizer) authorizeTrustedProxy(req Request) Result {
	if !req.PeerIP.IsValid() || !a.proxies.Contains(req.PeerIP) {
		return reject(ReasonProxyUntrusted)
	}
	user := strings.TrimSpace(req.ProxyUser)
	if user == "" {
		return reject(ReasonProxyUserMissing)
	}
	return accept(ModeTrustedProxy, &Identity{Subject: user, Role: "operator"})
}

func (a *Authorizer) authorizeMesh(ctx context.Context, req Request) Result {
	if a.cfg.Resolver == nil {
		return reject(ReasonMeshMissingConfig)
	}
	if !req.PeerIP.IsValid() {
		return reject(ReasonMeshIdentityUnknown)
	}
	login, err := a.cfg.Resolver.ResolvePeer(ctx, req.PeerIP)
	if err != nil || login == "" {
		return reject(ReasonMeshIdentityUnknown)
	}
	return accept(ModeMesh, &Identity{Subject: login, Role: "operator"})
}

func (a *Authorizer) authorizeScopedToken(req Request) Result {
	if a.cfg.Issuer == nil {
		return reject(ReasonScopedTokenMissingIssuer)
	}
	if req.ScopedToken == "" {
		return reject(ReasonScopedTokenMissing)
	}
	result := a.cfg.Issuer.Verify(req.ScopedToken)
	if !result.Valid {
		a.logger.Warn("scoped token rejected", "reason", result.Reason)
		return reject(ReasonScopedTokenRejected)
	}
	return accept(ModeScopedToken, &Identity{
		Subject: result.Payload.Subject,
		Role:    string(result.Payload.Role),
		Scopes:  result.Payload.Scopes,
	})
}

// constantTimeEqual compares two strings without leaking length or content
// timing. Both sides are hashed first so inputs of different lengths still
// take the same time.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// passwordMatches checks a presented password against the configured value,
// which may be a bcrypt hash or a plain shared secret.
func passwordMatches(presented, configured string) bool {
	if strings.HasPrefix(configured, "$2a$") ||
		strings.HasPrefix(configured, "$2b$") ||
		strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return constantTimeEqual(presented, configured)
}
