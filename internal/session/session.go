// Package session implements one stream connection driven by the
// front-end: a line-command channel that can switch into binary
// message or file transfer mode, and can be upgraded to TLS in place.
//
// Every operation and every inbound read runs under the session lock,
// so state is never mutated concurrently.  Events are collected under
// the lock and delivered after it is released.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	perrors "popnet/internal/errors"
	"popnet/internal/jail"
	"popnet/internal/metrics"
	"popnet/internal/settings"
	"popnet/internal/transport"
	"popnet/util"
)

// Locations.  "wan" sessions additionally trust the CA certificates in
// TLSConfig.CACertsDir.
const (
	LAN = "lan"
	WAN = "wan"
)

// DefaultMaxLineLength bounds an unterminated line in line mode.
const DefaultMaxLineLength = 1 << 20

// MaxChunkSize caps a single file chunk written by WriteBinaryChunk.
const MaxChunkSize = 4 << 20

// TLSConfig holds certificate material for TLS upgrades.
type TLSConfig struct {
	CertFile   string // server role
	KeyFile    string // server role
	CACertsDir string // extra trust anchors for WAN sessions (*.pem)
	ServerName string // overrides the dialed host for verification
	Timeout    time.Duration
}

// Options configures a Session.  Jail, Settings, Dialer, Logger and
// Metrics may be nil.
type Options struct {
	ID       string
	Location string

	Jail     *jail.Resolver
	Settings settings.Store
	TLS      TLSConfig
	Dialer   transport.Dialer

	WriteTimeout  time.Duration
	MaxLineLength int

	// Events receives every notification.  Sends block until the
	// receiver is ready or Context ends.
	Events  chan<- Event
	Context context.Context

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Session is one stream connection.
//
// Inbound bytes are read eagerly and handled in the mode current when
// they arrive.  A peer that sends a line announcing binary data or a
// TLS upgrade must wait for the local side to acknowledge it (after
// SetBinaryMode or StartTLS*) before sending the payload; bytes sent in
// the same burst are treated as line data.
type Session struct {
	id   string
	opts Options
	ctx  context.Context
	log  *util.Logger

	mu        sync.Mutex
	raw       *countingConn
	conn      net.Conn // raw, or the *tls.Conn after an upgrade
	host      string
	state     State
	opened    bool
	stopped   bool
	tlsMode   TLSMode
	tlsState  *tls.ConnectionState
	ignoreTLS bool
	upgrading bool

	// tlsDecided is closed by IgnoreTLSErrors or Stop while a client
	// handshake waits after TLSErrors.
	tlsDecided chan struct{}

	binary   bool
	declared int64
	file     *os.File
	dir      Direction
	buf      []byte
	out      []byte // staged outbound message
	written  int64
	read     int64

	wmu     sync.Mutex // serialises writes; taken before mu
	pending []byte

	r *reader
}

// New creates an unconnected session.
func New(opts Options) *Session {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Location == "" {
		opts.Location = LAN
	}
	if opts.MaxLineLength == 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{Timeout: 30 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Session{
		id:   opts.ID,
		opts: opts,
		ctx:  opts.Context,
		log:  log.With("session", opts.ID),
		r:    newReader(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Location returns "lan" or "wan".
func (s *Session) Location() string { return s.opts.Location }

// ── Connection lifecycle ─────────────────────────────────────────────

// Connect dials host:port and starts reading.  State changes are
// reported as events; the returned error repeats a dial failure.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return perrors.ErrSessionClosed
	}
	if s.conn != nil || s.state != Unconnected {
		s.mu.Unlock()
		return fmt.Errorf("connect: session %s is %s", s.id, s.state)
	}
	s.host = host
	evs := s.setStateLocked(HostLookup)
	evs = append(evs, s.setStateLocked(Connecting)...)
	s.mu.Unlock()
	s.emit(evs...)

	addr := util.FormatAddr(host, port)
	s.log.Verbose("connecting to %s", addr)
	conn, err := s.opts.Dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		s.log.Warn("connect %s: %v", addr, err)
		s.opts.Metrics.RecordError(err.Error())
		s.mu.Lock()
		evs := s.setStateLocked(Unconnected)
		s.mu.Unlock()
		s.emit(evs...)
		return err
	}
	if err := s.attach(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Attach adopts an already-connected conn, as handed out by a
// listener, and starts reading.
func (s *Session) Attach(conn net.Conn) error {
	s.mu.Lock()
	if s.host == "" {
		s.host = util.HostOf(conn.RemoteAddr())
	}
	s.mu.Unlock()
	return s.attach(conn)
}

func (s *Session) attach(conn net.Conn) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return perrors.ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("attach: session %s already has a connection", s.id)
	}
	if s.r.wasStarted() {
		// Reconnecting after the previous connection dropped.
		s.r = newReader()
	}
	r := s.r
	s.raw = &countingConn{Conn: conn}
	s.conn = s.raw
	s.opened = true
	evs := s.setStateLocked(Connected)
	raw := s.raw
	s.mu.Unlock()

	s.opts.Metrics.SessionOpened()
	s.log.Verbose("connected %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	s.emit(evs...)
	r.start(raw, func() { s.readLoop(r) })
	return nil
}

// Stop leaves file mode, discards buffered data and closes the
// connection.  It is safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.decideTLSLocked()
	s.closeFileLocked()
	s.buf = nil
	s.out = nil
	conn := s.conn
	s.conn = nil
	s.raw = nil
	s.tlsMode = Unencrypted
	s.tlsState = nil
	var evs []Event
	if conn != nil {
		evs = append(evs, s.setStateLocked(Closing)...)
	}
	evs = append(evs, s.setStateLocked(Unconnected)...)
	opened := s.opened
	s.opened = false
	r := s.r
	s.mu.Unlock()

	r.stop()
	if conn != nil {
		conn.Close()
	}
	if opened {
		s.opts.Metrics.SessionClosed()
	}

	s.wmu.Lock()
	s.pending = nil
	s.wmu.Unlock()

	s.log.Verbose("stopped")
	s.emit(evs...)
}

// Done is closed when the current read goroutine has exited.  It never
// closes for a session that was not connected.
func (s *Session) Done() <-chan struct{} { return s.reader().done }

func (s *Session) reader() *reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

// ── Introspection ────────────────────────────────────────────────────

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the current payload discipline.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeLocked()
}

func (s *Session) modeLocked() Mode {
	switch {
	case !s.binary:
		return LineCommand
	case s.file != nil:
		return BinaryFile
	}
	return BinaryMessage
}

// InFileMode reports whether a file is open for transfer.
func (s *Session) InFileMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// Counters returns bytes written and read since binary mode was last
// entered or left.
func (s *Session) Counters() (written, read int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.read
}

// DeclaredSize returns the advisory size given to SetBinaryMode.
func (s *Session) DeclaredSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declared
}

// PeerAddress returns the remote IP, or "" when unconnected.
func (s *Session) PeerAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return util.HostOf(s.conn.RemoteAddr())
}

// LocalAddress returns the local endpoint, or "" when unconnected.
func (s *Session) LocalAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// PeerPort returns the remote port, or 0 when unconnected.
func (s *Session) PeerPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// ── Inbound ──────────────────────────────────────────────────────────

// Pause stops processing inbound bytes until Resume.  Data keeps
// queueing in the socket meanwhile.
func (s *Session) Pause() {
	if s.reader().pause() {
		s.log.Debug("paused")
	}
}

// Resume continues inbound processing after Pause.  It is a no-op for
// a session that is not paused.
func (s *Session) Resume() {
	if s.reader().resume() {
		s.log.Debug("resumed")
	}
}

// Paused reports whether inbound processing is paused.
func (s *Session) Paused() bool { return s.reader().isPaused() }

func (s *Session) readLoop(r *reader) {
	defer r.exit()

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		conn, ok := r.next()
		if !ok {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.handleInbound(buf[:n])
		}
		if err != nil {
			if util.IsTimeout(err) {
				continue // suspended by a holder
			}
			s.readFailed(err)
			return
		}
	}
}

func (s *Session) handleInbound(data []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	n := int64(len(data))
	s.read += n

	var evs []Event
	var lines []string
	switch {
	case !s.binary:
		s.buf, lines = splitLines(s.buf, data, s.opts.MaxLineLength)
		if len(lines) > 0 {
			evs = append(evs, Event{Kind: LinesReceived, Lines: lines})
		}
	case s.file != nil && s.dir == Receive:
		if _, err := s.file.Write(data); err != nil {
			s.log.Error("writing received data: %v", err)
			s.closeFileLocked()
			evs = append(evs, Event{Kind: TransferFailed, Reason: perrors.CannotWrite, Err: err})
		} else {
			evs = append(evs, Event{Kind: BytesReceived, N: n})
		}
	case s.file != nil:
		s.buf, lines = splitLines(s.buf, data, s.opts.MaxLineLength)
		if len(lines) > 0 {
			evs = append(evs, Event{Kind: FileFeedbackReceived, Lines: lines})
		}
		evs = append(evs, Event{Kind: BytesReceived, N: n})
	default:
		s.out = nil
		s.buf = append(s.buf, data...)
		evs = append(evs, Event{Kind: BytesReceived, N: n})
	}
	s.mu.Unlock()

	s.opts.Metrics.BytesReceived(n)
	s.emit(evs...)
}

func (s *Session) readFailed(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.raw = nil
	s.tlsMode = Unencrypted
	s.tlsState = nil
	evs := s.setStateLocked(Unconnected)
	opened := s.opened
	s.opened = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if opened {
		s.opts.Metrics.SessionClosed()
	}
	if util.IsClosed(err) {
		s.log.Verbose("connection closed by peer")
	} else {
		s.log.Warn("read: %v", err)
		s.opts.Metrics.RecordError(err.Error())
	}
	s.emit(evs...)
}

// ── helpers ──────────────────────────────────────────────────────────

func (s *Session) setStateLocked(st State) []Event {
	if s.state == st {
		return nil
	}
	s.state = st
	return []Event{{Kind: StateChanged, State: st}}
}

func (s *Session) closeFileLocked() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.log.Warn("closing %s: %v", s.file.Name(), err)
	}
	s.file = nil
	s.dir = ""
}

func (s *Session) emit(evs ...Event) {
	if s.opts.Events == nil {
		return
	}
	for _, ev := range evs {
		ev.Session = s.id
		select {
		case s.opts.Events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}
