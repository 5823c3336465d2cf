// ABOUTME: Trusted reverse-proxy allowlist backed by CIDR prefixes
// ABOUTME: Identity headers are honored only when the immediate peer matches

package authz

import (
	"fmt"
	"net/netip"
	"strings"
)

// TrustedProxies is a set of CIDR prefixes naming reverse proxies whose
// identity headers may be believed. Empty means no proxy is trusted.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses a list of CIDR ranges. A bare IP is accepted as
// a single-host prefix.
func NewTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("authz: invalid trusted proxy address %q: %w", raw, err)
			}
			tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("authz: invalid trusted proxy CIDR %q: %w", raw, err)
		}
		tp.prefixes = append(tp.prefixes, prefix)
	}
	return tp, nil
}

// Contains reports whether the peer address is a trusted proxy.
func (tp *TrustedProxies) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	// Normalize mapped IPv4 so ::ffff:10.0.0.1 matches 10.0.0.0/8.
	addr = addr.Unmap()
	for _, prefix := range tp.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// PeerAddr parses a host:port or bare-host remote address into a netip.Addr.
// An unparseable address returns the zero Addr, never an error, so callers
// fall through to a typed rejection.
func PeerAddr(remoteAddr string) netip.Addr {
	if remoteAddr == "" {
		return netip.Addr{}
	}
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	host := remoteAddr
	// Strip brackets from a bare IPv6 literal like [::1].
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
