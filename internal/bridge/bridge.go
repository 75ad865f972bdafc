// Package bridge owns every session, the stream listener and the
// datagram channel, and exposes them to the front-end as a closed set
// of operations keyed by session id.
//
// Everything the front-end is told arrives as a Notification.  Its
// parameters are parked under the notification id and stay retrievable
// through Params until EventTTL passes.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"popnet/internal/datagram"
	"popnet/internal/envelope"
	perrors "popnet/internal/errors"
	"popnet/internal/jail"
	"popnet/internal/listener"
	"popnet/internal/metrics"
	"popnet/internal/session"
	"popnet/internal/settings"
	"popnet/internal/transport"
	"popnet/util"
)

// Bridge-level notification labels.  Session notifications use the
// session.Kind value as their label.
const (
	IncomingLocalClient = "incomingLocalClient"
	NoSuchClient        = "noSuchClient"
	UDPDatagramReceived = "udpDatagramReceived"
)

// DefaultEventTTL is how long parked parameters stay retrievable.
const DefaultEventTTL = 5 * time.Minute

const lastDatagramKey = "udp:last"

// Notification is one event for the front-end.
type Notification struct {
	Label   string         `json:"event"`
	EventID int64          `json:"eventId"`
	Params  map[string]any `json:"params"`
}

// Options configures a Bridge.  Every field is optional.
type Options struct {
	ListenHost string

	Jail          *jail.Resolver
	Settings      settings.Store
	TLS           session.TLSConfig
	Dialer        transport.Dialer
	Codec         *envelope.Codec
	WriteTimeout  time.Duration
	MaxLineLength int
	EventTTL      time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Bridge is the session registry.
type Bridge struct {
	opts  Options
	log   *util.Logger
	codec envelope.Codec

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu           sync.Mutex
	sessions     map[string]*session.Session
	lastIncoming int

	tcp *listener.Listener
	udp *datagram.Channel

	parked *cache.Cache
	seq    atomic.Int64

	sessEvents chan session.Event
	datagrams  chan datagram.Datagram
	out        chan Notification
}

// New returns a Bridge.  Run must be called to deliver notifications,
// and Events must be drained.
func New(opts Options) *Bridge {
	if opts.EventTTL <= 0 {
		opts.EventTTL = DefaultEventTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	codec := envelope.DefaultCodec
	if opts.Codec != nil {
		codec = *opts.Codec
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		opts:       opts,
		log:        log.With("component", "bridge"),
		codec:      codec,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session.Session),
		parked:     cache.New(opts.EventTTL, opts.EventTTL),
		sessEvents: make(chan session.Event, 256),
		datagrams:  make(chan datagram.Datagram, 64),
		out:        make(chan Notification, 1024),
	}
	b.tcp = listener.New(listener.Options{
		Host:    opts.ListenHost,
		Handler: b.accept,
		Logger:  log,
		Metrics: opts.Metrics,
	})
	b.udp = datagram.New(datagram.Options{
		Codec:     &b.codec,
		Datagrams: b.datagrams,
		Context:   ctx,
		Logger:    log,
		Metrics:   opts.Metrics,
	})
	return b
}

// Events returns the notification stream.
func (b *Bridge) Events() <-chan Notification { return b.out }

// Run forwards session and datagram events as notifications until ctx
// ends, then closes the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.ctx.Done():
			return nil
		case ev := <-b.sessEvents:
			b.bubble(string(ev.Kind), sessionParams(ev))
		case dg := <-b.datagrams:
			b.onDatagram(dg)
		}
	}
}

// Close stops every session and both servers.  It is safe to call more
// than once.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		// Pending session events are dropped from here on.
		b.cancel()
		b.tcp.Stop()
		b.udp.Close() //nolint:errcheck

		b.mu.Lock()
		all := make([]*session.Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			all = append(all, s)
		}
		b.mu.Unlock()
		for _, s := range all {
			s.Stop()
		}
		b.log.Verbose("closed with %d sessions", len(all))
	})
	return nil
}

// ── Registry ─────────────────────────────────────────────────────────

// Create registers a new session and returns its id.  An empty id gets
// a generated one; an existing id is replaced and its session stopped.
func (b *Bridge) Create(id, location string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if location == "" {
		location = session.LAN
	}
	s := b.newSession(id, location)

	b.mu.Lock()
	old := b.sessions[id]
	b.sessions[id] = s
	b.mu.Unlock()

	if old != nil {
		b.log.Warn("session %s replaced", id)
		old.Stop()
	}
	b.log.Verbose("created session %s (%s)", id, location)
	return id
}

// AllIDs lists every registered session id.
func (b *Bridge) AllIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove stops and unregisters a session.  It returns how many
// sessions were removed.
func (b *Bridge) Remove(id string) (int, error) {
	s, err := b.lookup(id, "remove", nil)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
	s.Stop()
	return 1, nil
}

func (b *Bridge) newSession(id, location string) *session.Session {
	return session.New(session.Options{
		ID:            id,
		Location:      location,
		Jail:          b.opts.Jail,
		Settings:      b.opts.Settings,
		TLS:           b.opts.TLS,
		Dialer:        b.opts.Dialer,
		WriteTimeout:  b.opts.WriteTimeout,
		MaxLineLength: b.opts.MaxLineLength,
		Events:        b.sessEvents,
		Context:       b.ctx,
		Logger:        b.log,
		Metrics:       b.opts.Metrics,
	})
}

// lookup finds a session.  An unknown id is reported to the front-end
// as a noSuchClient notification.
func (b *Bridge) lookup(id, action string, args any) (*session.Session, error) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if ok {
		return s, nil
	}
	b.bubble(NoSuchClient, map[string]any{"id": id, "action": action, "options": args})
	return nil, fmt.Errorf("%s %q: %w", action, id, perrors.ErrNoSuchSession)
}

// accept registers an inbound connection under the next negative id.
func (b *Bridge) accept(conn net.Conn) {
	b.mu.Lock()
	b.lastIncoming--
	n := b.lastIncoming
	id := strconv.Itoa(n)
	s := b.newSession(id, session.LAN)
	b.sessions[id] = s
	b.mu.Unlock()

	if err := s.Attach(conn); err != nil {
		b.log.Warn("incoming %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	b.bubble(IncomingLocalClient, map[string]any{"id": n})
}

// ── Servers ──────────────────────────────────────────────────────────

// StartTCPServer starts accepting inbound sessions on port.  It
// reports true at once if the server is already running.
func (b *Bridge) StartTCPServer(port int) (bool, error) {
	if b.tcp.Listening() {
		return true, nil
	}
	if err := b.tcp.Listen(port); err != nil {
		b.log.Error("tcp server: %v", err)
		return false, err
	}
	return true, nil
}

// TCPPort returns the bound TCP port, or 0.
func (b *Bridge) TCPPort() int { return b.tcp.Port() }

// StartUDPServer binds the datagram channel to port.  It reports true
// at once if already bound.
func (b *Bridge) StartUDPServer(port int) (bool, error) {
	if b.udp.Bound() {
		return true, nil
	}
	if err := b.udp.Bind(port); err != nil {
		b.log.Error("udp server: %v", err)
		return false, err
	}
	return true, nil
}

// UDPPort returns the bound UDP port, or 0.
func (b *Bridge) UDPPort() int { return b.udp.Port() }

// SendUDPMessage sends m as one datagram and returns the bytes sent.
func (b *Bridge) SendUDPMessage(ctx context.Context, m map[string]any, host string, port int) (int, error) {
	return b.udp.Send(ctx, host, port, m)
}

// SendUDPRaw sends b unmodified as one datagram.
func (b *Bridge) SendUDPRaw(ctx context.Context, p []byte, host string, port int) (int, error) {
	return b.udp.SendRaw(ctx, host, port, p)
}

// UDPMessage returns the last datagram received, decoded.  It is empty
// before the first datagram or when the last one did not decode.
func (b *Bridge) UDPMessage() map[string]any {
	v, ok := b.parked.Get(lastDatagramKey)
	if !ok {
		return map[string]any{}
	}
	dg := v.(datagram.Datagram)
	if dg.Message == nil {
		return map[string]any{}
	}
	return dg.Message
}

func (b *Bridge) onDatagram(dg datagram.Datagram) {
	b.parked.Set(lastDatagramKey, dg, cache.NoExpiration)
	p := map[string]any{"from": dg.From, "port": dg.Port, "bytes": len(dg.Raw)}
	if dg.Err != nil {
		p["error"] = dg.Err.Error()
	}
	b.bubble(UDPDatagramReceived, p)
}

// ── Notifications ────────────────────────────────────────────────────

// Params returns the parameters parked for a notification.
func (b *Bridge) Params(eventID int64) (map[string]any, bool) {
	v, ok := b.parked.Get(strconv.FormatInt(eventID, 10))
	if !ok {
		return nil, false
	}
	return v.(map[string]any), true
}

// Stats returns a snapshot of the process counters.
func (b *Bridge) Stats() metrics.Snapshot { return b.opts.Metrics.Snapshot() }

func (b *Bridge) bubble(label string, params map[string]any) int64 {
	if params == nil {
		params = map[string]any{}
	}
	id := b.seq.Add(1)
	b.parked.Set(strconv.FormatInt(id, 10), params, cache.DefaultExpiration)
	b.log.Debug("event %d %s %v", id, label, params)
	select {
	case b.out <- Notification{Label: label, EventID: id, Params: params}:
	case <-b.ctx.Done():
	}
	return id
}

func sessionParams(ev session.Event) map[string]any {
	p := map[string]any{"id": ev.Session}
	switch ev.Kind {
	case session.BytesWritten, session.EncryptedBytesWritten, session.BytesReceived:
		p["bytes"] = ev.N
	case session.LinesReceived, session.FileFeedbackReceived:
		p["lines"] = ev.Lines
	case session.StateChanged:
		p["state"] = int(ev.State)
		p["stateName"] = ev.State.String()
	case session.ModeChanged, session.TLSHandshakeComplete:
		p["mode"] = int(ev.TLSMode)
	case session.TLSErrors:
		p["errors"] = ev.Errors
	case session.TransferFailed:
		p["reason"] = string(ev.Reason)
		if ev.Err != nil {
			p["error"] = ev.Err.Error()
		}
	}
	return p
}
