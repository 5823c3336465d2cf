// ABOUTME: Tests for the HTTP authorization middleware
// ABOUTME: Covers identity injection, generic 401 rejection, and rate limiting

package authz

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(captured **Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := FromContext(r.Context()); ok {
			*captured = id
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPMiddlewareInjectsIdentity(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "hunter2"})

	var got *Identity
	h := HTTPMiddleware(a, nil)(okHandler(&got))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.0.2.1:41000"
	req.Header.Set("X-Gateway-Token", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil {
		t.Fatal("handler did not receive an identity")
	}
	if got.Subject != "gateway" || got.Role != "operator" {
		t.Errorf("identity = %+v, want gateway/operator", got)
	}
}

func TestHTTPMiddlewareGenericRejection(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "hunter2"})

	h := HTTPMiddleware(a, nil)(okHandler(new(*Identity)))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.0.2.1:41000"
	req.Header.Set("X-Gateway-Token", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	// The body must not leak which check failed.
	if body := strings.TrimSpace(rec.Body.String()); body != "unauthenticated" {
		t.Errorf("body = %q, want %q", body, "unauthenticated")
	}
}

func TestHTTPMiddlewareBearerToken(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	issuer := mustIssuer(t, key)
	a := mustAuthorizer(t, Config{Mode: ModeScopedToken, Issuer: issuer})

	var got *Identity
	h := HTTPMiddleware(a, nil)(okHandler(&got))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.0.2.9:55000"
	req.Header.Set("Authorization", "Bearer "+mustIssueToken(t, issuer, "alice"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.Subject != "alice" {
		t.Fatalf("identity = %+v, want subject alice", got)
	}
}

func TestHTTPMiddlewareRateLimited(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "hunter2"})
	limiter := NewAttemptLimiter(1, 1)
	defer limiter.Close()

	h := HTTPMiddleware(a, limiter)(okHandler(new(*Identity)))

	newReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/api/sessions", nil)
		req.RemoteAddr = "192.0.2.77:41000"
		req.Header.Set("X-Gateway-Token", "hunter2")
		return req
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

// fakeRecorder captures decision outcomes handed to the authorizer.
type fakeRecorder struct {
	accepted  int
	rejected  int
	reasons   []string
	limitHits int
}

func (r *fakeRecorder) RecordAuthDecision(mode string, accepted bool, reason string) {
	if accepted {
		r.accepted++
		return
	}
	r.rejected++
	r.reasons = append(r.reasons, reason)
}

func (r *fakeRecorder) RecordRateLimitHit() {
	r.limitHits++
}

func TestHTTPMiddlewareRecordsDecisions(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "hunter2"})
	rec := &fakeRecorder{}
	a.SetRecorder(rec)

	h := HTTPMiddleware(a, nil)(okHandler(new(*Identity)))

	good := httptest.NewRequest("GET", "/api/sessions", nil)
	good.RemoteAddr = "192.0.2.1:41000"
	good.Header.Set("X-Gateway-Token", "hunter2")
	h.ServeHTTP(httptest.NewRecorder(), good)

	bad := httptest.NewRequest("GET", "/api/sessions", nil)
	bad.RemoteAddr = "192.0.2.1:41000"
	bad.Header.Set("X-Gateway-Token", "wrong")
	h.ServeHTTP(httptest.NewRecorder(), bad)

	if rec.accepted != 1 || rec.rejected != 1 {
		t.Fatalf("accepted = %d, rejected = %d, want 1 and 1", rec.accepted, rec.rejected)
	}
	if len(rec.reasons) != 1 || rec.reasons[0] != string(ReasonTokenMismatch) {
		t.Errorf("reasons = %v, want [%s]", rec.reasons, ReasonTokenMismatch)
	}
}

func TestHTTPMiddlewareRecordsRateLimitHits(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "hunter2"})
	rec := &fakeRecorder{}
	a.SetRecorder(rec)
	limiter := NewAttemptLimiter(1, 1)
	defer limiter.Close()

	h := HTTPMiddleware(a, limiter)(okHandler(new(*Identity)))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/sessions", nil)
		req.RemoteAddr = "192.0.2.88:41000"
		req.Header.Set("X-Gateway-Token", "hunter2")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if rec.limitHits != 1 {
		t.Fatalf("limitHits = %d, want 1", rec.limitHits)
	}
}

func TestHTTPMiddlewareCustomProxyHeader(t *testing.T) {
	a := mustAuthorizer(t, Config{
		Mode:            ModeTrustedProxy,
		TrustedProxies:  []string{"192.0.2.0/24"},
		ProxyUserHeader: "X-Auth-Request-User",
	})

	var got *Identity
	h := HTTPMiddleware(a, nil)(okHandler(&got))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.0.2.5:41000"
	req.Header.Set("X-Auth-Request-User", "carol")
	// The default header must be ignored once a custom one is configured.
	req.Header.Set("X-Forwarded-User", "mallory")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.Subject != "carol" {
		t.Fatalf("identity = %+v, want subject carol", got)
	}
}

func TestHTTPMiddlewareDefaultProxyHeader(t *testing.T) {
	a := mustAuthorizer(t, Config{
		Mode:           ModeTrustedProxy,
		TrustedProxies: []string{"192.0.2.0/24"},
	})

	var got *Identity
	h := HTTPMiddleware(a, nil)(okHandler(&got))

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.RemoteAddr = "192.0.2.5:41000"
	req.Header.Set("X-Forwarded-User", "dave")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.Subject != "dave" {
		t.Fatalf("identity = %+v, want subject dave", got)
	}
}
