// Package transport opens the outbound stream connections that
// sessions run over: direct TCP, or TCP forwarded through an SSH
// gateway.  Datagram sockets use [UDPDialer].
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH gateway
	// connection.  Stateless dialers return nil.
	Close() error
}
