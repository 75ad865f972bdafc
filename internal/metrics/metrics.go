// Package metrics keeps process-wide counters for sessions, datagrams
// and TLS handshakes.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime counters.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	accepted       atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	datagramsIn    atomic.Int64
	datagramsOut   atomic.Int64
	handshakes     atomic.Int64
	tlsFailures    atomic.Int64
	tunnelRetries  atomic.Int64
	errorsTotal    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Sessions ─────────────────────────────────────────────────────────

// SessionOpened records a session whose connection came up.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed records a session whose connection went down.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ConnectionAccepted records one connection handed out by a listener.
func (c *Collector) ConnectionAccepted() {
	if c == nil {
		return
	}
	c.accepted.Add(1)
}

// ActiveSessions returns the number of connected sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime count of connected sessions.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Stream bytes ─────────────────────────────────────────────────────

// BytesReceived records n bytes read from a session.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a session.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Datagrams ────────────────────────────────────────────────────────

// DatagramReceived records one inbound datagram.
func (c *Collector) DatagramReceived() {
	if c == nil {
		return
	}
	c.datagramsIn.Add(1)
}

// DatagramSent records one outbound datagram.
func (c *Collector) DatagramSent() {
	if c == nil {
		return
	}
	c.datagramsOut.Add(1)
}

// ── TLS and tunnels ──────────────────────────────────────────────────

// HandshakeCompleted records a finished TLS handshake.
func (c *Collector) HandshakeCompleted() {
	if c == nil {
		return
	}
	c.handshakes.Add(1)
}

// HandshakeFailed records a TLS handshake that did not complete.
func (c *Collector) HandshakeFailed() {
	if c == nil {
		return
	}
	c.tlsFailures.Add(1)
}

// TunnelRetry records one failed SSH tunnel attempt that was retried.
func (c *Collector) TunnelRetry() {
	if c == nil {
		return
	}
	c.tunnelRetries.Add(1)
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	Accepted         int64  `json:"accepted"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	DatagramsIn      int64  `json:"datagrams_in"`
	DatagramsOut     int64  `json:"datagrams_out"`
	TLSHandshakes    int64  `json:"tls_handshakes"`
	TLSFailures      int64  `json:"tls_failures"`
	TunnelRetries    int64  `json:"tunnel_retries"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		Accepted:       c.accepted.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		DatagramsIn:    c.datagramsIn.Load(),
		DatagramsOut:   c.datagramsOut.Load(),
		TLSHandshakes:  c.handshakes.Load(),
		TLSFailures:    c.tlsFailures.Load(),
		TunnelRetries:  c.tunnelRetries.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
