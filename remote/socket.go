package remote

import (
	"context"
	"net"
)

// Dialer opens outbound stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListenFunc opens a listening socket. (*net.ListenConfig).Listen
// satisfies it.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

func defaultListen(ctx context.Context, network, address string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}

func listenerPort(ln net.Listener) uint16 {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}
