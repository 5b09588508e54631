/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type namedAddr string

func (a namedAddr) Network() string { return "custom" }
func (a namedAddr) String() string  { return string(a) }

func TestClientIDFromContext(t *testing.T) {
	withPeer := func(ctx context.Context, addr net.Addr) context.Context {
		return peer.NewContext(ctx, &peer.Peer{Addr: addr})
	}
	withMD := func(ctx context.Context, kv ...string) context.Context {
		return metadata.NewIncomingContext(ctx, metadata.Pairs(kv...))
	}
	tcpPeer := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 5555}

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{name: "nothing", ctx: context.Background(), want: UnknownClientID},
		{name: "tcp peer", ctx: withPeer(context.Background(), tcpPeer), want: "ip:10.1.2.3"},
		{
			name: "ipv6 peer",
			ctx:  withPeer(context.Background(), &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}),
			want: "ip:::1",
		},
		{name: "udp peer", ctx: withPeer(context.Background(), &net.UDPAddr{IP: net.ParseIP("10.0.0.9")}), want: "ip:10.0.0.9"},
		{name: "string ip peer", ctx: withPeer(context.Background(), namedAddr("[2001:db8::1]:443")), want: "ip:2001:db8::1"},
		{name: "unix peer", ctx: withPeer(context.Background(), namedAddr("/run/app.sock")), want: "peer:/run/app.sock"},
		{name: "empty peer", ctx: withPeer(context.Background(), namedAddr("")), want: UnknownClientID},
		{
			name: "user id wins over peer",
			ctx:  withPeer(withMD(context.Background(), "x-user-id", "alice"), tcpPeer),
			want: "user:alice",
		},
		{
			name: "user id wins over client id",
			ctx:  withMD(context.Background(), "x-client-id", "mobile", "x-user-id", "alice"),
			want: "user:alice",
		},
		{name: "client id", ctx: withMD(context.Background(), "x-client-id", "mobile"), want: "user:mobile"},
		{name: "blank claim is skipped", ctx: withMD(context.Background(), "x-user-id", "  ", "x-client-id", "cli"), want: "user:cli"},
		{
			name: "authorization is truncated",
			ctx:  withMD(context.Background(), "authorization", "Bearer "+strings.Repeat("t", 100)),
			want: "user:" + ("Bearer " + strings.Repeat("t", 100))[:64],
		},
		{
			name: "multi-byte claim is truncated by characters",
			ctx:  NewContextWithPrincipal(context.Background(), Principal{ID: strings.Repeat("é", 70), Method: AuthMethodBearer}),
			want: "user:" + strings.Repeat("é", 64),
		},
		{
			name: "short multi-byte claim is kept",
			ctx:  withMD(context.Background(), "x-user-id", strings.Repeat("ж", 40)),
			want: "user:" + strings.Repeat("ж", 40),
		},
		{
			name: "principal wins",
			ctx:  NewContextWithPrincipal(withMD(context.Background(), "x-user-id", "alice"), Principal{ID: "svc", Method: AuthMethodBearer}),
			want: "user:svc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ClientIDFromContext(tt.ctx))
		})
	}
}
