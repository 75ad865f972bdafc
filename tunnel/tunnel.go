// Package tunnel carries outbound session connections through an SSH
// gateway, for peers that are only reachable from behind a bastion.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is an established channel through which stream connections
// can be opened.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel.
	Close() error

	// IsAlive reports whether the gateway connection is still up.
	IsAlive() bool
}
