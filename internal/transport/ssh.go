package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	perrors "popnet/internal/errors"
	"popnet/internal/metrics"
	"popnet/internal/retry"
	"popnet/tunnel"
	"popnet/util"
)

// SSHDialer routes connections through an SSH gateway.  The gateway is
// connected lazily on the first Dial and reconnected if it drops.
type SSHDialer struct {
	config  *tunnel.SSHConfig
	logger  *util.Logger
	metrics *metrics.Collector
	backoff *retry.Backoff

	mu     sync.Mutex
	tunnel tunnel.Tunnel
}

// NewSSHDialer creates a dialer that forwards through cfg's gateway.
// m may be nil.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger, m *metrics.Collector) *SSHDialer {
	d := &SSHDialer{
		config:  cfg,
		logger:  logger,
		metrics: m,
		backoff: retry.DefaultBackoff(),
	}
	d.backoff.Retryable = perrors.IsRetryable
	d.backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.metrics.TunnelRetry()
		d.logger.Verbose("gateway attempt %d failed: %v (retrying in %s)", attempt, err, wait.Round(time.Millisecond))
	}
	return d
}

// connect returns a live tunnel, establishing one if needed.
func (d *SSHDialer) connect(ctx context.Context) (tunnel.Tunnel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel != nil && d.tunnel.IsAlive() {
		return d.tunnel, nil
	}
	if d.tunnel != nil {
		d.tunnel.Close() //nolint:errcheck
		d.tunnel = nil
	}

	d.logger.Verbose("establishing SSH gateway %s@%s", d.config.User, d.config.Addr())

	var t *tunnel.SSHTunnel
	err := d.backoff.Do(ctx, func(_ int) error {
		t = tunnel.NewSSHTunnel(d.config, d.logger)
		return t.Connect(ctx)
	})
	if err != nil {
		d.metrics.RecordError(err.Error())
		return nil, fmt.Errorf("gateway: %w", err)
	}

	d.tunnel = t
	d.logger.Verbose("SSH gateway established")
	return t, nil
}

// Dial connects to address through the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, network, address)
}

// Close tears down the gateway connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel == nil {
		return nil
	}
	err := d.tunnel.Close()
	d.tunnel = nil
	return err
}
