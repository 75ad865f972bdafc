package session

import (
	"errors"
	"io"
	"net"
	"time"

	perrors "popnet/internal/errors"
	"popnet/util"
)

// drainWindow is how long UnsetBinaryMode keeps reading to discard
// bytes that have already arrived.
const drainWindow = 5 * time.Millisecond

// SetBinaryMode switches inbound handling to binary.  declaredSize is
// recorded for the caller's bookkeeping only; the session never leaves
// binary mode on its own.  Counters and the inbound buffer are reset; a
// message staged with SetMessage is kept for WriteBinaryChunk.
func (s *Session) SetBinaryMode(declaredSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = true
	s.declared = declaredSize
	s.written = 0
	s.read = 0
	s.buf = s.buf[:0]
	s.log.Debug("binary mode, declared size %d", declaredSize)
}

// UnsetBinaryMode discards inbound bytes that have arrived but not
// been processed, clears the buffer and counters and returns to line
// mode.
func (s *Session) UnsetBinaryMode() {
	r := s.reader()
	r.suspend()
	defer r.release(nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.upgrading && !s.stopped {
		s.drainLocked()
	}
	s.binary = false
	s.declared = 0
	s.written = 0
	s.read = 0
	s.buf = s.buf[:0]
	s.out = nil
	s.log.Debug("line mode")
}

// drainLocked reads and drops whatever the socket can deliver within
// drainWindow.  The read goroutine must be suspended.
func (s *Session) drainLocked() {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)

	s.conn.SetReadDeadline(time.Now().Add(drainWindow)) //nolint:errcheck
	var dropped int
	for {
		n, err := s.conn.Read(*bufp)
		dropped += n
		if err != nil {
			break
		}
	}
	if dropped > 0 {
		s.log.Debug("discarded %d unread bytes", dropped)
	}
}

// SetMessage stages b as the outbound message and returns its length.
// The message survives SetBinaryMode and is dropped when inbound bytes
// of a binary message arrive.
func (s *Session) SetMessage(b []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append([]byte{}, b...)
	return len(s.out)
}

// Message returns a copy of the message buffer: the staged outbound
// message if there is one, otherwise the bytes received in binary
// message mode.
func (s *Session) Message() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.messageLocked()...)
}

func (s *Session) messageLocked() []byte {
	if s.out != nil {
		return s.out
	}
	if s.binary && s.file == nil {
		return s.buf
	}
	return nil
}

// WriteText sends text as is.  It returns the number of bytes accepted,
// which includes bytes queued after a write timeout.
func (s *Session) WriteText(text string) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.send("write", []byte(text))
}

// WriteBinaryChunk sends the next chunk.  In file mode up to size bytes
// are read from the file at its current offset; otherwise the whole
// message buffer is sent and size is ignored.  It returns the total
// written since binary mode was entered.
func (s *Session) WriteBinaryChunk(size int64) (int64, error) {
	const op = "writeBinary"

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.conn == nil || s.stopped {
		s.mu.Unlock()
		return 0, perrors.Rejected(op, perrors.NoConnection, nil)
	}
	var chunk []byte
	if s.file != nil {
		if size <= 0 {
			s.mu.Unlock()
			return 0, perrors.Rejected(op, perrors.ZeroLengthTransfer, nil)
		}
		if size > MaxChunkSize {
			size = MaxChunkSize
		}
		chunk = make([]byte, size)
		n, err := io.ReadFull(s.file, chunk)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.mu.Unlock()
			return 0, perrors.Rejected(op, perrors.CannotRead, err)
		}
		if n == 0 {
			s.mu.Unlock()
			return 0, perrors.Rejected(op, perrors.ZeroLengthTransfer, nil)
		}
		chunk = chunk[:n]
	} else {
		if !s.binary {
			s.mu.Unlock()
			return 0, perrors.Rejected(op, perrors.NotInBinaryMode, nil)
		}
		msg := s.messageLocked()
		if len(msg) == 0 {
			s.mu.Unlock()
			return 0, perrors.Rejected(op, perrors.ZeroLengthTransfer, nil)
		}
		chunk = append([]byte(nil), msg...)
	}
	s.mu.Unlock()

	n, err := s.send(op, chunk)

	s.mu.Lock()
	s.written += int64(n)
	total := s.written
	s.mu.Unlock()
	return total, err
}

// Flush retries bytes left queued by a timed-out write.  It returns the
// number of bytes that went out.
func (s *Session) Flush() (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if len(s.pending) == 0 {
		return 0, nil
	}
	conn, raw, tlsOn, err := s.writeTarget("flush")
	if err != nil {
		return 0, err
	}
	before := raw.out.Load()
	n, err := s.writeOut(conn, s.pending)
	s.pending = s.pending[n:]
	s.afterWrite(n, raw.out.Load()-before, tlsOn)
	if err != nil && !s.queueable(err, tlsOn) {
		s.pending = nil
		return n, perrors.Wrap("write", s.PeerAddress(), err)
	}
	return n, nil
}

// send writes queued bytes then p.  A write timeout on a plain
// connection queues the remainder for Flush; other failures return an
// error.  It returns how many bytes of p were written or queued.
// wmu must be held.
func (s *Session) send(op string, p []byte) (int, error) {
	conn, raw, tlsOn, err := s.writeTarget(op)
	if err != nil {
		return 0, err
	}
	before := raw.out.Load()
	defer func() { s.afterWrite(0, raw.out.Load()-before, tlsOn) }()

	if len(s.pending) > 0 {
		n, err := s.writeOut(conn, s.pending)
		s.pending = s.pending[n:]
		s.afterWrite(n, 0, tlsOn)
		if err != nil {
			if s.queueable(err, tlsOn) {
				s.pending = append(s.pending, p...)
				return len(p), nil
			}
			s.pending = nil
			return 0, perrors.Wrap("write", conn.RemoteAddr().String(), err)
		}
	}

	n, err := s.writeOut(conn, p)
	s.afterWrite(n, 0, tlsOn)
	if err != nil {
		if s.queueable(err, tlsOn) {
			s.pending = append(s.pending, p[n:]...)
			return len(p), nil
		}
		return n, perrors.Wrap("write", conn.RemoteAddr().String(), err)
	}
	return n, nil
}

func (s *Session) writeTarget(op string) (net.Conn, *countingConn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.stopped {
		return nil, nil, false, perrors.Rejected(op, perrors.NoConnection, nil)
	}
	return s.conn, s.raw, s.tlsMode != Unencrypted, nil
}

func (s *Session) writeOut(conn net.Conn, p []byte) (int, error) {
	if s.opts.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
	}
	return conn.Write(p)
}

// queueable reports whether a failed write may be retried later.  A
// timed-out TLS write leaves the record layer unusable, so only plain
// connections qualify.
func (s *Session) queueable(err error, tlsOn bool) bool {
	return !tlsOn && util.IsTimeout(err)
}

// afterWrite reports plain and encrypted byte counts.
func (s *Session) afterWrite(plain int, encrypted int64, tlsOn bool) {
	var evs []Event
	if plain > 0 {
		s.opts.Metrics.BytesSent(int64(plain))
		evs = append(evs, Event{Kind: BytesWritten, N: int64(plain)})
	}
	if tlsOn && encrypted > 0 {
		evs = append(evs, Event{Kind: EncryptedBytesWritten, N: encrypted})
	}
	s.emit(evs...)
}
