package client

import (
	"context"
	"net"
	"time"
)

// Dialer establishes the ordered, reliable byte stream a connection runs on.
type Dialer interface {
	Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
}

type DialerFunc func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	return f(ctx, addr, timeout)
}

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	KeepAlive time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: d.KeepAlive,
	}

	return dialer.DialContext(ctx, "tcp", addr)
}

var _ Dialer = TCPDialer{}
var _ Dialer = DialerFunc(nil)
