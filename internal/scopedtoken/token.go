// ABOUTME: Self-contained capability tokens signed with HMAC-SHA256
// ABOUTME: Stateless verification; no database lookup required

package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix identifies fold-warden scoped tokens on the wire.
const TokenPrefix = "fwt_"

// Version is the only payload version this build understands.
const Version = 1

// MinKeyLen is the minimum accepted signing key length in bytes.
const MinKeyLen = 32

// ErrWeakKey indicates the signing key is shorter than MinKeyLen.
var ErrWeakKey = errors.New("scopedtoken: signing key too short")

// Role is the coarse trust class carried by a scoped token.
type Role string

const (
	RoleOperator Role = "operator"
	RoleNode     Role = "node"
)

// Reason classifies why verification rejected a token.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonBadSignature Reason = "bad-signature"
	ReasonExpired      Reason = "expired"
	ReasonNotYetValid  Reason = "not-yet-valid"
	ReasonRevoked      Reason = "revoked"
)

// Payload is the signed body of a scoped token. Field order matters for
// issuing (json.Marshal of a struct is deterministic); verification accepts
// any field order.
type Payload struct {
	Version   int      `json:"v"`
	JTI       string   `json:"jti"`
	Subject   string   `json:"sub"`
	Role      Role     `json:"role"`
	Scopes    []string `json:"scopes"`
	Methods   []string `json:"methods,omitempty"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
}

// HasScope reports whether the payload carries the named scope.
func (p *Payload) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsMethod reports whether the payload permits calling the named method.
// An explicit method allowlist wins; without one, any method is permitted
// and scope checks are the caller's responsibility.
func (p *Payload) AllowsMethod(method string) bool {
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// VerifyResult is the typed outcome of Verify. Rejections carry a Reason for
// server-side logging; the reason must not be echoed to unauthenticated peers.
type VerifyResult struct {
	Valid   bool
	Payload *Payload
	Reason  Reason
}

// Issuer mints and verifies scoped tokens with a fixed signing key.
// The key is read-only after construction; Issuer is safe for concurrent use.
type Issuer struct {
	key []byte
	now func() time.Time

	mu      sync.RWMutex
	revoked map[string]struct{} // jti set, in-memory only
}

// NewIssuer creates an Issuer. The key must be at least MinKeyLen bytes.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) < MinKeyLen {
		return nil, ErrWeakKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Issuer{
		key:     k,
		now:     time.Now,
		revoked: make(map[string]struct{}),
	}, nil
}

// IssueRequest names the capability being minted.
type IssueRequest struct {
	Subject    string
	Role       Role
	Scopes     []string
	Methods    []string // optional explicit method allowlist
	TTLSeconds int64    // 0 means no expiry
}

// Issue mints a new scoped token.
func (i *Issuer) Issue(req IssueRequest) (string, error) {
	if req.Subject == "" {
		return "", errors.New("scopedtoken: subject required")
	}
	if req.Role != RoleOperator && req.Role != RoleNode {
		return "", errors.New("scopedtoken: role must be operator or node")
	}
	now := i.now().UTC()
	p := Payload{
		Version:  Version,
		JTI:      uuid.New().String(),
		Subject:  req.Subject,
		Role:     req.Role,
		Scopes:   req.Scopes,
		Methods:  req.Methods,
		IssuedAt: now.Unix(),
	}
	if p.Scopes == nil {
		p.Scopes = []string{}
	}
	if req.TTLSeconds > 0 {
		p.ExpiresAt = now.Unix() + req.TTLSeconds
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	sig := i.sign([]byte(encoded))
	return TokenPrefix + encoded + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a presented token. The signature is validated with a
// constant-time comparison before the decoded payload is trusted for
// anything; structural rejections before that point never inspect the
// payload of a validly signed token.
func (i *Issuer) Verify(token string) VerifyResult {
	rest, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return VerifyResult{Reason: ReasonMalformed}
	}
	encoded, sigPart, ok := strings.Cut(rest, ".")
	if !ok || encoded == "" || sigPart == "" {
		return VerifyResult{Reason: ReasonMalformed}
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed}
	}

	expected := i.sign([]byte(encoded))
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed}
	}
	p, ok := decodePayload(body)
	if !ok {
		return VerifyResult{Reason: ReasonMalformed}
	}

	now := i.now().Unix()
	if p.ExpiresAt != 0 && now >= p.ExpiresAt {
		return VerifyResult{Reason: ReasonExpired}
	}
	if p.NotBefore != 0 && now < p.NotBefore {
		return VerifyResult{Reason: ReasonNotYetValid}
	}
	if i.isRevoked(p.JTI) {
		return VerifyResult{Reason: ReasonRevoked}
	}
	return VerifyResult{Valid: true, Payload: p}
}

// Revoke adds a token id to the in-memory denylist. The denylist does not
// survive restarts; short TTLs remain the primary revocation mechanism.
func (i *Issuer) Revoke(jti string) {
	if jti == "" {
		return
	}
	i.mu.Lock()
	i.revoked[jti] = struct{}{}
	i.mu.Unlock()
}

func (i *Issuer) isRevoked(jti string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.revoked[jti]
	return ok
}

func (i *Issuer) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, i.key)
	mac.Write(data)
	return mac.Sum(nil)
}

// decodePayload unmarshals and structurally validates a payload. Scope
// presence is distinguished from an empty list: a payload without a scopes
// field is malformed.
func decodePayload(body []byte) (*Payload, bool) {
	var raw struct {
		Version   *int      `json:"v"`
		JTI       string    `json:"jti"`
		Subject   *string   `json:"sub"`
		Role      Role      `json:"role"`
		Scopes    *[]string `json:"scopes"`
		Methods   []string  `json:"methods"`
		IssuedAt  *float64  `json:"iat"`
		ExpiresAt int64     `json:"exp"`
		NotBefore int64     `json:"nbf"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	if raw.Version == nil || *raw.Version != Version {
		return nil, false
	}
	if raw.JTI == "" {
		return nil, false
	}
	if raw.Subject == nil {
		return nil, false
	}
	if raw.Role != RoleOperator && raw.Role != RoleNode {
		return nil, false
	}
	if raw.Scopes == nil {
		return nil, false
	}
	if raw.IssuedAt == nil {
		return nil, false
	}
	return &Payload{
		Version:   *raw.Version,
		JTI:       raw.JTI,
		Subject:   *raw.Subject,
		Role:      raw.Role,
		Scopes:    *raw.Scopes,
		Methods:   raw.Methods,
		IssuedAt:  int64(*raw.IssuedAt),
		ExpiresAt: raw.ExpiresAt,
		NotBefore: raw.NotBefore,
	}, true
}
