/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// ClientIDMetadataKeys are the metadata keys consulted, in order, for an explicit client identity claim.
var ClientIDMetadataKeys = []string{"x-user-id", "x-client-id", "authorization"}

// UnknownClientID is the identity of clients that cannot be identified in any other way.
const UnknownClientID = "unknown"

const maxClientIDClaimLength = 64

// ClientIDFromContext derives a stable client identity for rate limiting.
// The first non-empty identity claim wins: the authenticated principal, then the metadata keys from
// ClientIDMetadataKeys (value truncated to 64 characters, "user:" prefix), then the peer address
// ("ip:<host>" for IP peers, "peer:<addr>" for others). If nothing is available, UnknownClientID is returned.
func ClientIDFromContext(ctx context.Context) string {
	if principal, ok := GetPrincipalFromContext(ctx); ok && principal.ID != "" {
		return userClientID(principal.ID)
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range ClientIDMetadataKeys {
			for _, v := range md.Get(key) {
				if v = strings.TrimSpace(v); v != "" {
					return userClientID(v)
				}
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if id := peerClientID(p.Addr); id != "" {
			return id
		}
	}
	return UnknownClientID
}

func userClientID(claim string) string {
	if len(claim) > maxClientIDClaimLength {
		n := 0
		for i := range claim {
			if n == maxClientIDClaimLength {
				claim = claim[:i]
				break
			}
			n++
		}
	}
	return "user:" + claim
}

func peerClientID(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a.IP != nil {
			return "ip:" + a.IP.String()
		}
	case *net.UDPAddr:
		if a.IP != nil {
			return "ip:" + a.IP.String()
		}
	}
	s := addr.String()
	if s == "" {
		return ""
	}
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return "ip:" + ip.String()
	}
	return "peer:" + s
}
