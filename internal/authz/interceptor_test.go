// ABOUTME: Tests for the gRPC auth interceptors
// ABOUTME: Verifies metadata extraction, identity injection, and generic rejections

package authz

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/fold-warden/internal/scopedtoken"
)

func mustIssuer(t *testing.T, key []byte) *scopedtoken.Issuer {
	t.Helper()
	issuer, err := scopedtoken.NewIssuer(key)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return issuer
}

func mustIssueToken(t *testing.T, issuer *scopedtoken.Issuer, subject string) string {
	t.Helper()
	token, err := issuer.Issue(scopedtoken.IssueRequest{
		Subject: subject,
		Role:    scopedtoken.RoleNode,
		Scopes:  []string{"sessions.run"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func incomingCtx(md metadata.MD, remoteAddr string) context.Context {
	ctx := context.Background()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}
	if remoteAddr != "" {
		addr, _ := net.ResolveTCPAddr("tcp", remoteAddr)
		ctx = peer.NewContext(ctx, &peer.Peer{Addr: addr})
	}
	return ctx
}

func TestUnaryInterceptorInjectsIdentity(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "secret-value"})
	interceptor := UnaryInterceptor(a, nil)

	var captured *Identity
	handler := func(ctx context.Context, req any) (any, error) {
		captured = MustFromContext(ctx)
		return "ok", nil
	}

	ctx := incomingCtx(metadata.Pairs(mdGatewayToken, "secret-value"), "10.0.0.5:1234")
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/gw/Run"}, handler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("resp = %v", resp)
	}
	if captured == nil || captured.Method != ModeToken {
		t.Fatalf("identity = %+v", captured)
	}
}

func TestUnaryInterceptorGenericRejection(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModeToken, Token: "secret-value"})
	interceptor := UnaryInterceptor(a, nil)

	handler := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler reached without valid credentials")
		return nil, nil
	}

	ctx := incomingCtx(metadata.Pairs(mdGatewayToken, "wrong"), "10.0.0.5:1234")
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/gw/Run"}, handler)
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
	// The precise reason never reaches the caller.
	if st.Message() != "unauthenticated" {
		t.Fatalf("message = %q leaks detail", st.Message())
	}
}

func TestUnaryInterceptorBearerToken(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	issuer := mustIssuer(t, key)
	a := mustAuthorizer(t, Config{Mode: ModeScopedToken, Issuer: issuer})
	interceptor := UnaryInterceptor(a, nil)

	token := mustIssueToken(t, issuer, "automation")

	var captured *Identity
	handler := func(ctx context.Context, req any) (any, error) {
		captured, _ = FromContext(ctx)
		return nil, nil
	}

	ctx := incomingCtx(metadata.Pairs(mdAuthorization, "Bearer "+token), "10.0.0.5:1234")
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/gw/Run"}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if captured == nil || captured.Subject != "automation" {
		t.Fatalf("identity = %+v", captured)
	}
}

func TestUnaryInterceptorCustomProxyHeader(t *testing.T) {
	a := mustAuthorizer(t, Config{
		Mode:            ModeTrustedProxy,
		TrustedProxies:  []string{"10.0.0.0/8"},
		ProxyUserHeader: "X-Auth-Request-User",
	})
	interceptor := UnaryInterceptor(a, nil)

	var captured *Identity
	handler := func(ctx context.Context, req any) (any, error) {
		captured, _ = FromContext(ctx)
		return nil, nil
	}

	// Metadata keys are lowercased on the wire.
	ctx := incomingCtx(metadata.Pairs("x-auth-request-user", "carol"), "10.0.0.5:1234")
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/gw/Run"}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if captured == nil || captured.Subject != "carol" {
		t.Fatalf("identity = %+v, want subject carol", captured)
	}
}

func TestStreamInterceptorRejects(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModePassword, Password: "hunter2"})
	interceptor := StreamInterceptor(a, nil)

	stream := &fakeServerStream{ctx: incomingCtx(nil, "10.0.0.5:1234")}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/gw/Stream"}, func(srv any, ss grpc.ServerStream) error {
		t.Fatal("handler reached without credentials")
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
}

func TestInterceptorRateLimited(t *testing.T) {
	a := mustAuthorizer(t, Config{Mode: ModePassword, Password: "hunter2"})
	limiter := NewAttemptLimiter(1, 1)
	defer limiter.Close()
	interceptor := UnaryInterceptor(a, limiter)

	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }
	ctx := incomingCtx(metadata.Pairs(mdPassword, "hunter2"), "10.0.0.5:1234")

	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("err = %v, want ResourceExhausted", err)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }
