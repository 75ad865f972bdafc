// Package datagram sends and receives envelopes as single UDP
// datagrams.  Nothing is retained between datagrams.
package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"popnet/internal/envelope"
	perrors "popnet/internal/errors"
	"popnet/internal/metrics"
	"popnet/internal/transport"
	"popnet/util"
)

// MaxPayload is the largest datagram that can be sent or received.
const MaxPayload = 65507

// ErrBound is returned by Bind on a channel that is already bound.
var ErrBound = errors.New("datagram: already bound")

// ErrTooLarge is returned for an encoded message over MaxPayload.
var ErrTooLarge = fmt.Errorf("datagram: payload exceeds %d bytes", MaxPayload)

// Datagram is one received message.  Err is set, and Message nil, when
// Raw did not decode.
type Datagram struct {
	Message map[string]any
	Raw     []byte
	From    string
	Port    int
	Err     error
}

// Options configures a Channel.
type Options struct {
	Codec *envelope.Codec

	// Datagrams receives every inbound datagram.  Sends block until the
	// receiver is ready or Context ends.
	Datagrams chan<- Datagram
	Context   context.Context

	Dialer  transport.Dialer // unbound sends; defaults to a UDPDialer
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Channel is a UDP endpoint.
type Channel struct {
	opts  Options
	codec envelope.Codec
	log   *util.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}
}

// New returns an unbound Channel.  It can send immediately.
func New(opts Options) *Channel {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.UDPDialer{Timeout: 5 * time.Second}
	}
	codec := envelope.DefaultCodec
	if opts.Codec != nil {
		codec = *opts.Codec
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Channel{opts: opts, codec: codec, log: log.With("component", "udp")}
}

// Send encodes m and sends it as one datagram to host:port.  It returns
// the number of bytes sent.
func (c *Channel) Send(ctx context.Context, host string, port int, m map[string]any) (int, error) {
	b, err := c.codec.Encode(m)
	if err != nil {
		return 0, fmt.Errorf("encode datagram: %w", err)
	}
	return c.SendRaw(ctx, host, port, b)
}

// SendRaw sends b unmodified.  When the channel is bound the datagram
// leaves from the bound port so replies come back to it.
func (c *Channel) SendRaw(ctx context.Context, host string, port int, b []byte) (int, error) {
	if len(b) > MaxPayload {
		return 0, ErrTooLarge
	}
	addr := util.FormatAddr(host, port)

	c.mu.Lock()
	bound := c.conn
	c.mu.Unlock()

	var (
		n   int
		err error
	)
	if bound != nil {
		var ua *net.UDPAddr
		if ua, err = net.ResolveUDPAddr("udp", addr); err != nil {
			return 0, perrors.Wrap("resolve", addr, err)
		}
		n, err = bound.WriteToUDP(b, ua)
	} else {
		var conn net.Conn
		if conn, err = c.opts.Dialer.Dial(ctx, "udp", addr); err != nil {
			c.opts.Metrics.RecordError(err.Error())
			return 0, err
		}
		n, err = conn.Write(b)
		conn.Close()
	}
	if err != nil {
		c.opts.Metrics.RecordError(err.Error())
		return n, perrors.Wrap("write", addr, err)
	}
	c.opts.Metrics.DatagramSent()
	c.opts.Metrics.BytesSent(int64(n))
	c.log.Debug("sent %d bytes to %s", n, addr)
	return n, nil
}

// Bind listens on port (0 picks a free one) and starts delivering
// inbound datagrams.
func (c *Channel) Bind(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrBound
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return perrors.Wrap("bind", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		c.opts.Metrics.RecordError(err.Error())
		return perrors.Wrap("bind", addr, err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.log.Verbose("listening on %s (udp)", conn.LocalAddr())
	go c.receiveLoop(conn, c.done)
	return nil
}

// Bound reports whether the channel is bound.
func (c *Channel) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Port returns the bound port, or 0.
func (c *Channel) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close unbinds the channel.  Sending still works afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

func (c *Channel) receiveLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, MaxPayload)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if util.IsClosed(err) {
				return
			}
			c.log.Warn("udp read: %v", err)
			c.opts.Metrics.RecordError(err.Error())
			continue
		}
		c.opts.Metrics.DatagramReceived()
		c.opts.Metrics.BytesReceived(int64(n))

		dg := Datagram{Raw: append([]byte(nil), buf[:n]...), Port: from.Port}
		dg.From = from.IP.String()
		dg.Message, dg.Err = c.codec.Decode(dg.Raw)
		if dg.Err != nil {
			c.log.Debug("undecodable datagram from %s: %v", from, dg.Err)
		}
		if !c.deliver(dg) {
			return
		}
	}
}

func (c *Channel) deliver(dg Datagram) bool {
	if c.opts.Datagrams == nil {
		return true
	}
	select {
	case c.opts.Datagrams <- dg:
		return true
	case <-c.opts.Context.Done():
		return false
	}
}
