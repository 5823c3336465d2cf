// ABOUTME: HTTP middleware that runs connection authorization before handlers
// ABOUTME: Extracts credentials from headers and populates Identity in the request context

package authz

import (
	"net/http"
	"strings"
)

// Header names credentials are presented under. These mirror the gRPC
// metadata keys so a client can speak either surface with the same
// credential set.
const (
	hdrAuthorization = "Authorization"
	hdrGatewayToken  = "X-Gateway-Token"
	hdrPassword      = "X-Gateway-Password"
	hdrProxyUser     = "X-Forwarded-User"
)

// HTTPMiddleware returns middleware that authorizes every request through
// the given Authorizer. Rejections are a bare 401; the precise reason stays
// in the server log. The optional limiter throttles attempts per peer
// before credentials are checked.
func HTTPMiddleware(authorizer *Authorizer, limiter *AttemptLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := requestFromHTTP(r, authorizer.proxyUserHeader())

			if limiter != nil && !limiter.Allow(req.PeerIP) {
				authorizer.recordRateLimit()
				http.Error(w, "too many attempts", http.StatusTooManyRequests)
				return
			}

			result := authorizer.Authorize(r.Context(), req)
			if !result.OK {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}

			id := result.Identity
			if id == nil {
				id = &Identity{Subject: "gateway", Role: "operator", Method: result.Method}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// requestFromHTTP pulls credentials and the peer address out of an HTTP
// request. Missing headers yield an empty Request, not an error.
func requestFromHTTP(r *http.Request, proxyHeader string) Request {
	req := Request{PeerIP: PeerAddr(r.RemoteAddr)}

	if v := r.Header.Get(hdrAuthorization); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			req.ScopedToken = token
		}
	}
	req.Token = r.Header.Get(hdrGatewayToken)
	req.Password = r.Header.Get(hdrPassword)
	req.ProxyUser = r.Header.Get(proxyHeader)
	return req
}
