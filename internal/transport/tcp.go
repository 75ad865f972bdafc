package transport

import (
	"context"
	"net"
	"time"

	perrors "popnet/internal/errors"
)

// TCPDialer establishes plain TCP connections.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 uses the net package default
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, perrors.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// UDPDialer returns connected UDP sockets.
type UDPDialer struct {
	Timeout time.Duration
}

// Dial resolves address and returns a UDP socket bound to it.
func (d *UDPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "" || network == "tcp" {
		network = "udp"
	}
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, perrors.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op.
func (d *UDPDialer) Close() error { return nil }
