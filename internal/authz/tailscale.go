// ABOUTME: Mesh identity resolution via the local tailscaled WhoIs endpoint
// ABOUTME: Maps a peer address to a login name for pre-authenticated connections

package authz

import (
	"context"
	"fmt"
	"net/netip"

	"tailscale.com/client/local"
)

// TailscaleResolver resolves peer addresses to tailnet login names through
// a local client, typically obtained from a tsnet.Server.
type TailscaleResolver struct {
	lc *local.Client
}

// NewTailscaleResolver wraps a local tailscale client.
func NewTailscaleResolver(lc *local.Client) *TailscaleResolver {
	return &TailscaleResolver{lc: lc}
}

// ResolvePeer returns the login name owning the peer address. Tagged nodes
// without a user profile resolve to the node's hostname.
func (r *TailscaleResolver) ResolvePeer(ctx context.Context, peer netip.Addr) (string, error) {
	resp, err := r.lc.WhoIs(ctx, peer.String())
	if err != nil {
		return "", fmt.Errorf("authz: tailscale whois for %s: %w", peer, err)
	}
	if resp.UserProfile != nil && resp.UserProfile.LoginName != "" {
		return resp.UserProfile.LoginName, nil
	}
	if resp.Node != nil && resp.Node.Hostinfo.Valid() {
		if hostname := resp.Node.Hostinfo.Hostname(); hostname != "" {
			return hostname, nil
		}
	}
	return "", fmt.Errorf("authz: no identity for peer %s", peer)
}

var _ IdentityResolver = (*TailscaleResolver)(nil)
