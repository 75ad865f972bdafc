package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "popnet/internal/errors"
	"popnet/internal/metrics"
	"popnet/tunnel"
	"popnet/tunnel/sshtest"
	"popnet/util"
)

func greeter(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("hello from server\n")) //nolint:errcheck
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestTCPDialer_Connect(t *testing.T) {
	addr := greeter(t)
	d := &TCPDialer{Timeout: 2 * time.Second}

	conn, err := d.Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello from server\n", string(got))
	assert.NoError(t, d.Close())
}

func TestTCPDialer_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&TCPDialer{Timeout: 5 * time.Second}).Dial(ctx, "tcp", "127.0.0.1:1")
	var ne *perrors.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "dial", ne.Op)
}

func TestUDPDialer_Connect(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	d := &UDPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestSSHDialer_ForwardsThroughGateway(t *testing.T) {
	gw := sshtest.NewServer(t, "bob", "pw")
	addr := greeter(t)
	m := metrics.New()

	d := NewSSHDialer(&tunnel.SSHConfig{User: "bob", Host: gw.Host, Port: gw.Port, Password: "pw"}, util.NewLogger(0), m)
	defer d.Close()

	for i := 0; i < 2; i++ {
		conn, err := d.Dial(context.Background(), "tcp", addr)
		require.NoError(t, err)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "hello from server\n", line)
		conn.Close()
	}
	assert.Equal(t, 2, gw.Channels(), "one gateway carries both dials")
	assert.Zero(t, m.Snapshot().TunnelRetries)
}

func TestSSHDialer_AuthFailureIsNotRetried(t *testing.T) {
	gw := sshtest.NewServer(t, "bob", "pw")
	m := metrics.New()
	d := NewSSHDialer(&tunnel.SSHConfig{User: "bob", Host: gw.Host, Port: gw.Port, Password: "nope"}, util.NewLogger(0), m)

	start := time.Now()
	_, err := d.Dial(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, m.Snapshot().TunnelRetries)
	assert.Equal(t, int64(1), m.ErrorCount())
}

func TestSSHDialer_RetriesUnreachableGateway(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)
	m := metrics.New()

	d := NewSSHDialer(&tunnel.SSHConfig{User: "bob", Host: "127.0.0.1", Port: port, Password: "pw"}, util.NewLogger(0), m)
	d.backoff.InitialDelay = time.Millisecond
	d.backoff.MaxAttempts = 3
	d.backoff.Jitter = false

	_, err = d.Dial(context.Background(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, int64(2), m.Snapshot().TunnelRetries)
}
