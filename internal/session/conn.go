package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// countingConn counts bytes written to the raw socket, so encrypted
// output can be reported separately from plaintext.
type countingConn struct {
	net.Conn
	out atomic.Int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.out.Add(int64(n))
	return n, err
}

// aLongTimeAgo is a read deadline that interrupts a blocked Read at once.
var aLongTimeAgo = time.Unix(1, 0)

// reader coordinates the read goroutine with operations that need it
// out of the way: the TLS upgrade, Pause and inbound draining.  A holder
// calls suspend, which interrupts any blocked Read and waits until the
// goroutine is parked; release lets it continue, optionally on a new
// connection.
type reader struct {
	mu       sync.Mutex
	cond     *sync.Cond
	conn     net.Conn
	started  bool
	parked   bool
	exited   bool
	stopping bool
	paused   bool
	hold     int
	done     chan struct{}
}

func newReader() *reader {
	r := &reader{done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *reader) start(conn net.Conn, loop func()) {
	r.mu.Lock()
	r.conn = conn
	r.started = true
	r.mu.Unlock()
	go loop()
}

// next blocks while the reader is held and returns the connection to
// read from, or false once stopping.
func (r *reader) next() (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.hold > 0 && !r.stopping {
		r.parked = true
		r.cond.Broadcast()
		r.cond.Wait()
	}
	r.parked = false
	if r.stopping {
		return nil, false
	}
	return r.conn, true
}

func (r *reader) wasStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *reader) exit() {
	r.mu.Lock()
	r.exited = true
	r.parked = false
	r.cond.Broadcast()
	r.mu.Unlock()
	close(r.done)
}

// suspend takes a hold and returns once the read goroutine is parked,
// has exited, or was never started.
func (r *reader) suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold++
	for r.started && !r.exited && !r.parked && !r.stopping {
		r.conn.SetReadDeadline(aLongTimeAgo) //nolint:errcheck
		r.cond.Wait()
	}
}

// release drops a hold.  A non-nil conn replaces the connection the
// goroutine reads from.
func (r *reader) release(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn != nil {
		r.conn = conn
	}
	if r.hold > 0 {
		r.hold--
	}
	if r.hold == 0 {
		if r.conn != nil {
			r.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
		}
		r.cond.Broadcast()
	}
}

func (r *reader) pause() bool {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return false
	}
	r.paused = true
	r.mu.Unlock()
	r.suspend()
	return true
}

func (r *reader) resume() bool {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return false
	}
	r.paused = false
	r.mu.Unlock()
	r.release(nil)
	return true
}

func (r *reader) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *reader) stop() {
	r.mu.Lock()
	r.stopping = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
