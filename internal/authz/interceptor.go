// ABOUTME: gRPC interceptors that run connection authorization before handlers
// ABOUTME: Extracts credentials from metadata and populates Identity in context

package authz

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Metadata keys credentials are presented under. The trusted-proxy identity
// key is configurable and resolved per request.
const (
	mdAuthorization = "authorization"
	mdGatewayToken  = "x-gateway-token"
	mdPassword      = "x-gateway-password"
)

// errUnauthenticated is the only outward-facing rejection. The precise
// reason stays in the server log.
var errUnauthenticated = status.Error(codes.Unauthenticated, "unauthenticated")

// UnaryInterceptor returns a gRPC unary interceptor that authorizes every
// request through the given Authorizer. The optional limiter throttles
// attempts per peer before credentials are even checked.
func UnaryInterceptor(authorizer *Authorizer, limiter *AttemptLimiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id, err := authorize(ctx, authorizer, limiter)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor mirroring
// UnaryInterceptor.
func StreamInterceptor(authorizer *Authorizer, limiter *AttemptLimiter) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := authorize(ss.Context(), authorizer, limiter)
		if err != nil {
			return err
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// authorize builds a Request from gRPC metadata and evaluates it. Every
// failure surfaces as a generic Unauthenticated status.
func authorize(ctx context.Context, authorizer *Authorizer, limiter *AttemptLimiter) (*Identity, error) {
	req := requestFromContext(ctx, strings.ToLower(authorizer.proxyUserHeader()))

	if limiter != nil && !limiter.Allow(req.PeerIP) {
		authorizer.recordRateLimit()
		return nil, status.Error(codes.ResourceExhausted, "too many attempts")
	}

	result := authorizer.Authorize(ctx, req)
	if !result.OK {
		return nil, errUnauthenticated
	}

	id := result.Identity
	if id == nil {
		id = &Identity{Subject: "gateway", Role: "operator", Method: result.Method}
	}
	return id, nil
}

// requestFromContext pulls credentials and the peer address out of gRPC
// metadata. Missing metadata yields an empty Request, not an error. The
// proxy header arrives pre-lowercased for metadata lookup.
func requestFromContext(ctx context.Context, proxyHeader string) Request {
	var req Request

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		req.PeerIP = PeerAddr(p.Addr.String())
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return req
	}

	if vals := md.Get(mdAuthorization); len(vals) > 0 {
		if token, ok := strings.CutPrefix(vals[0], "Bearer "); ok {
			req.ScopedToken = token
		}
	}
	if vals := md.Get(mdGatewayToken); len(vals) > 0 {
		req.Token = vals[0]
	}
	if vals := md.Get(mdPassword); len(vals) > 0 {
		req.Password = vals[0]
	}
	if vals := md.Get(proxyHeader); len(vals) > 0 {
		req.ProxyUser = vals[0]
	}
	return req
}
