// Package listener accepts inbound stream connections and hands each
// one to a handler exactly once.  The listener never reads from or
// closes a connection it has handed off.
package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	perrors "popnet/internal/errors"
	"popnet/internal/metrics"
	"popnet/util"
)

// ErrListening is returned by Listen on a listener that is already
// bound.
var ErrListening = errors.New("listener: already listening")

// Handler receives each accepted connection.  It runs on the accept
// goroutine, so it should hand the connection off rather than serve it.
type Handler func(conn net.Conn)

// Options configures a Listener.  Host defaults to all interfaces.
type Options struct {
	Host    string
	Handler Handler
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Listener is a single TCP listening socket.
type Listener struct {
	opts Options
	log  *util.Logger

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

// New returns an idle Listener.
func New(opts Options) *Listener {
	log := opts.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Listener{opts: opts, log: log.With("component", "listener")}
}

// Listen binds port (0 picks a free one) and starts accepting.  A bind
// failure is returned as is; there is no retry.
func (l *Listener) Listen(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return ErrListening
	}

	addr := net.JoinHostPort(l.opts.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.opts.Metrics.RecordError(err.Error())
		return perrors.Wrap("listen", addr, err)
	}
	l.ln = ln
	l.done = make(chan struct{})
	l.log.Verbose("listening on %s (tcp)", ln.Addr())

	go l.acceptLoop(ln, l.done)
	return nil
}

// Listening reports whether the socket is bound.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Port returns the bound port, or 0 when not listening.
func (l *Listener) Port() int {
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Stop closes the listening socket and waits for the accept loop to
// exit.  Connections already handed off are unaffected.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln, done := l.ln, l.done
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return
	}
	ln.Close()
	<-done
	l.log.Verbose("stopped listening on %s", ln.Addr())
}

func (l *Listener) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if util.IsClosed(err) {
				return
			}
			// Transient failures such as EMFILE: back off and retry.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			l.log.Warn("accept: %v; retrying in %v", err, delay)
			l.opts.Metrics.RecordError(err.Error())
			time.Sleep(delay)
			continue
		}
		delay = 0

		l.opts.Metrics.ConnectionAccepted()
		l.log.Verbose("connection from %s", conn.RemoteAddr())
		if l.opts.Handler == nil {
			conn.Close()
			continue
		}
		l.opts.Handler(conn)
	}
}

// String describes the listener for logs.
func (l *Listener) String() string {
	if a := l.Addr(); a != nil {
		return fmt.Sprintf("listener(%s)", a)
	}
	return "listener(idle)"
}
