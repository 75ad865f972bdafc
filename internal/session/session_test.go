package session

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "popnet/internal/errors"
	"popnet/internal/jail"
	"popnet/internal/metrics"
	"popnet/internal/settings"
)

const waitTimeout = 3 * time.Second

type harness struct {
	s      *Session
	peer   net.Conn
	events chan Event
	root   string
}

// newHarness returns a session attached to one end of a loopback TCP
// connection; peer is the other end.
func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	local, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("accept timed out")
	}

	h := &harness{peer: peer, events: make(chan Event, 1024), root: t.TempDir()}
	opts := Options{
		ID:      "t1",
		Jail:    jail.New(h.root, "", ""),
		Events:  h.events,
		Metrics: metrics.New(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.s = New(opts)
	require.NoError(t, h.s.Attach(local))
	t.Cleanup(func() {
		h.s.Stop()
		peer.Close()
	})
	h.waitState(t, Connected)
	return h
}

// next returns the next event of kind, skipping others.
func (h *harness) next(t *testing.T, kind Kind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (h *harness) waitState(t *testing.T, st State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == StateChanged && ev.State == st {
				return
			}
		case <-deadline:
			t.Fatalf("state never became %s", st)
		}
	}
}

// lines collects LinesReceived (or FileFeedbackReceived) lines until n
// have arrived.
func (h *harness) lines(t *testing.T, kind Kind, n int) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		got = append(got, h.next(t, kind).Lines...)
	}
	return got
}

// received waits until n inbound bytes have been reported.
func (h *harness) received(t *testing.T, n int64) {
	t.Helper()
	var total int64
	for total < n {
		total += h.next(t, BytesReceived).N
	}
}

func (h *harness) write(t *testing.T, s string) {
	t.Helper()
	_, err := h.peer.Write([]byte(s))
	require.NoError(t, err)
}

func (h *harness) readPeer(t *testing.T, n int) string {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, h.peer.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := io.ReadFull(h.peer, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestLineMode_ParsesLines(t *testing.T) {
	h := newHarness(t)
	h.write(t, "foo\nbar\n")
	assert.Equal(t, []string{"foo", "bar"}, h.lines(t, LinesReceived, 2))
}

func TestLineMode_BuffersIncompleteLine(t *testing.T) {
	h := newHarness(t)
	h.write(t, "hel")
	time.Sleep(20 * time.Millisecond)
	h.write(t, "lo\n")
	assert.Equal(t, []string{"hello"}, h.lines(t, LinesReceived, 1))
}

func TestUnsetFileMode_Twice(t *testing.T) {
	h := newHarness(t)
	h.s.UnsetFileMode()
	h.s.UnsetFileMode()
	assert.False(t, h.s.InFileMode())
	assert.Equal(t, LineCommand, h.s.Mode())
}

func TestBinaryMessage_Accumulates(t *testing.T) {
	h := newHarness(t)
	h.s.SetBinaryMode(6)
	assert.Equal(t, BinaryMessage, h.s.Mode())
	assert.Equal(t, int64(6), h.s.DeclaredSize())

	h.write(t, "abc")
	h.received(t, 3)
	h.write(t, "def")
	h.received(t, 3)

	assert.Equal(t, "abcdef", string(h.s.Message()))
	_, read := h.s.Counters()
	assert.Equal(t, int64(6), read)
}

func TestBinaryMessage_DeclaredSizeIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.s.SetBinaryMode(2)
	h.write(t, "abcd")
	h.received(t, 4)
	assert.Equal(t, BinaryMessage, h.s.Mode())
	assert.Equal(t, "abcd", string(h.s.Message()))
}

func TestReceiveFile_ConcatenatesAtOffset(t *testing.T) {
	h := newHarness(t)
	h.s.SetBinaryMode(0)

	res, err := h.s.SetFileMode(Receive, "out/x.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, FileResult{Size: 0, Pos: 0}, res)
	assert.Equal(t, BinaryFile, h.s.Mode())
	h.write(t, "hello")
	h.received(t, 5)
	h.s.UnsetFileMode()

	res, err = h.s.SetFileMode(Receive, "out/x.bin", 5)
	require.NoError(t, err)
	assert.Equal(t, FileResult{Size: 5, Pos: 5}, res)
	h.write(t, " world")
	h.received(t, 6)
	h.s.UnsetFileMode()

	got, err := os.ReadFile(filepath.Join(h.root, "out", "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = h.s.SetFileMode(Receive, "out/x.bin", 0)
	require.NoError(t, err)
	h.write(t, "J")
	h.received(t, 1)
	h.s.UnsetFileMode()

	got, err = os.ReadFile(filepath.Join(h.root, "out", "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, "Jello world", string(got))
}

func TestSetFileMode_RejectsDotDot(t *testing.T) {
	h := newHarness(t)
	for _, dir := range []Direction{Send, Receive} {
		_, err := h.s.SetFileMode(dir, "../x", 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, perrors.FileContainsDotDot)
		assert.False(t, h.s.InFileMode())
	}
	_, err := h.s.SetFileMode(Receive, `a\..\..\x`, 0)
	assert.ErrorIs(t, err, perrors.FileContainsDotDot)
}

func TestSetFileMode_SendMissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SetFileMode(Send, filepath.Join(h.root, "nope.bin"), 0)
	assert.ErrorIs(t, err, perrors.FileNotExistOrNotInJail)
	assert.Equal(t, perrors.FileNotExistOrNotInJail, perrors.ReasonOf(err))
	assert.False(t, h.s.InFileMode())
}

func TestSetFileMode_SendDirectoryRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SetFileMode(Send, h.root, 0)
	assert.ErrorIs(t, err, perrors.FileNotExistOrNotInJail)
}

func TestSetFileMode_SendJailed(t *testing.T) {
	store := settings.NewMemoryStore(map[string]string{settings.FileReadJailed: "true"})
	h := newHarness(t, func(o *Options) { o.Settings = store })
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "a.txt"), []byte("0123456789"), 0o644))

	res, err := h.s.SetFileMode(Send, "a.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, FileResult{Size: 10, Pos: 3}, res)
	h.s.UnsetFileMode()

	// An absolute path outside the root is re-rooted, not honoured.
	outside := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	_, err = h.s.SetFileMode(Send, outside, 0)
	assert.ErrorIs(t, err, perrors.FileNotExistOrNotInJail)
}

func TestSetFileMode_AlreadyInFileMode(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SetFileMode(Receive, "a.bin", 0)
	require.NoError(t, err)
	_, err = h.s.SetFileMode(Receive, "b.bin", 0)
	assert.ErrorIs(t, err, perrors.AlreadyInFileMode)
	h.s.UnsetFileMode()
	_, err = h.s.SetFileMode(Receive, "b.bin", 0)
	assert.NoError(t, err)
}

func TestFileSize(t *testing.T) {
	h := newHarness(t)
	p := filepath.Join(h.root, "f.bin")
	require.NoError(t, os.WriteFile(p, []byte("1234"), 0o644))

	n, err := h.s.FileSize(p)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = h.s.FileSize("../f.bin")
	assert.ErrorIs(t, err, perrors.FileContainsDotDot)
	_, err = h.s.FileSize(p + ".missing")
	assert.ErrorIs(t, err, perrors.FileNotExistOrNotInJail)
}

func TestCounters_ResetOnModeChange(t *testing.T) {
	h := newHarness(t)
	h.s.SetBinaryMode(0)
	h.s.SetMessage([]byte("ping"))
	total, err := h.s.WriteBinaryChunk(0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Equal(t, "ping", h.readPeer(t, 4))

	h.write(t, "pong")
	h.received(t, 4)
	written, read := h.s.Counters()
	assert.Equal(t, int64(4), written)
	assert.Equal(t, int64(4), read)

	h.s.SetBinaryMode(10)
	written, read = h.s.Counters()
	assert.Zero(t, written)
	assert.Zero(t, read)
	assert.Empty(t, h.s.Message())

	h.s.SetMessage([]byte("x"))
	_, err = h.s.WriteBinaryChunk(0)
	require.NoError(t, err)
	h.s.UnsetBinaryMode()
	written, read = h.s.Counters()
	assert.Zero(t, written)
	assert.Zero(t, read)
	assert.Zero(t, h.s.DeclaredSize())
	assert.Equal(t, LineCommand, h.s.Mode())
}

func TestWriteBinaryChunk_FromFile(t *testing.T) {
	h := newHarness(t)
	p := filepath.Join(h.root, "src.bin")
	require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o644))

	h.s.SetBinaryMode(10)
	_, err := h.s.SetFileMode(Send, p, 0)
	require.NoError(t, err)

	total, err := h.s.WriteBinaryChunk(4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Equal(t, "0123", h.readPeer(t, 4))

	total, err = h.s.WriteBinaryChunk(100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, "456789", h.readPeer(t, 6))

	_, err = h.s.WriteBinaryChunk(100)
	assert.ErrorIs(t, err, perrors.ZeroLengthTransfer)
	_, err = h.s.WriteBinaryChunk(0)
	assert.ErrorIs(t, err, perrors.ZeroLengthTransfer)
}

func TestWriteBinaryChunk_MessageRejections(t *testing.T) {
	h := newHarness(t)
	h.s.SetMessage([]byte("x"))
	_, err := h.s.WriteBinaryChunk(0)
	assert.ErrorIs(t, err, perrors.NotInBinaryMode)

	h.s.SetBinaryMode(0)
	_, err = h.s.WriteBinaryChunk(0)
	assert.ErrorIs(t, err, perrors.ZeroLengthTransfer)
}

func TestBinaryAnnouncement_AckBeforePayload(t *testing.T) {
	h := newHarness(t)
	h.write(t, "BIN 3\n")
	assert.Equal(t, []string{"BIN 3"}, h.lines(t, LinesReceived, 1))

	h.s.SetBinaryMode(3)
	_, err := h.s.WriteText("OK\n")
	require.NoError(t, err)
	assert.Equal(t, "OK\n", h.readPeer(t, 3))

	h.write(t, "a\nb")
	h.received(t, 3)
	assert.Equal(t, "a\nb", string(h.s.Message()))
	assert.Equal(t, BinaryMessage, h.s.Mode())
}

func TestStagedMessage_SurvivesSetBinaryMode(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 7, h.s.SetMessage([]byte("payload")))
	h.s.SetBinaryMode(7)
	assert.Equal(t, "payload", string(h.s.Message()))

	total, err := h.s.WriteBinaryChunk(0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	assert.Equal(t, "payload", h.readPeer(t, 7))
}

func TestStagedMessage_ReplacedByInbound(t *testing.T) {
	h := newHarness(t)
	h.s.SetMessage([]byte("outbound"))
	h.s.SetBinaryMode(0)
	h.write(t, "in")
	h.received(t, 2)
	assert.Equal(t, "in", string(h.s.Message()))
}

func TestStagedMessage_KeptOutOfLines(t *testing.T) {
	h := newHarness(t)
	h.s.SetMessage([]byte("staged"))
	h.write(t, "hello\n")
	assert.Equal(t, []string{"hello"}, h.lines(t, LinesReceived, 1))
	assert.Equal(t, "staged", string(h.s.Message()))

	h.s.UnsetBinaryMode()
	assert.Empty(t, h.s.Message())
}

func TestFileSend_FeedbackLines(t *testing.T) {
	h := newHarness(t)
	p := filepath.Join(h.root, "src.bin")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	h.s.SetBinaryMode(4)
	_, err := h.s.SetFileMode(Send, p, 0)
	require.NoError(t, err)

	h.write(t, "ok 4\n")
	assert.Equal(t, []string{"ok 4"}, h.lines(t, FileFeedbackReceived, 1))
}

func TestWriteText(t *testing.T) {
	h := newHarness(t)
	n, err := h.s.WriteText("hello\n")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "hello\n", h.readPeer(t, 6))
	assert.Equal(t, int64(6), h.next(t, BytesWritten).N)

	n, err = h.s.Flush()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	h.s.Pause()
	assert.True(t, h.s.Paused())

	h.write(t, "held\n")
	select {
	case ev := <-h.events:
		if ev.Kind == LinesReceived {
			t.Fatalf("lines delivered while paused: %v", ev.Lines)
		}
	case <-time.After(100 * time.Millisecond):
	}

	h.s.Resume()
	assert.False(t, h.s.Paused())
	assert.Equal(t, []string{"held"}, h.lines(t, LinesReceived, 1))

	// Resume on a running session changes nothing.
	h.s.Resume()
	h.write(t, "more\n")
	assert.Equal(t, []string{"more"}, h.lines(t, LinesReceived, 1))
}

func TestUnsetBinaryMode_DiscardsUnread(t *testing.T) {
	h := newHarness(t)
	h.s.SetBinaryMode(0)
	h.s.Pause()
	h.write(t, "stale")
	time.Sleep(50 * time.Millisecond)

	h.s.UnsetBinaryMode()
	h.s.Resume()
	h.write(t, "fresh\n")
	assert.Equal(t, []string{"fresh"}, h.lines(t, LinesReceived, 1))
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SetFileMode(Receive, "x.bin", 0)
	require.NoError(t, err)

	h.s.Stop()
	h.waitState(t, Closing)
	h.waitState(t, Unconnected)
	assert.False(t, h.s.InFileMode())
	assert.Equal(t, "", h.s.PeerAddress())

	h.s.Stop()
	_, err = h.s.WriteText("x")
	assert.ErrorIs(t, err, perrors.NoConnection)

	// The peer sees the close.
	require.NoError(t, h.peer.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err = h.peer.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestPeerClose_ReportsUnconnected(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "127.0.0.1", h.s.PeerAddress())
	assert.NotZero(t, h.s.PeerPort())

	h.peer.Close()
	h.waitState(t, Unconnected)
	select {
	case <-h.s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("reader did not exit")
	}
	assert.Equal(t, Unconnected, h.s.State())
}

func TestConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("welcome\n")) //nolint:errcheck
	}()

	events := make(chan Event, 64)
	s := New(Options{ID: "c", Events: events})
	defer s.Stop()

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, s.Connect(context.Background(), "127.0.0.1", port))

	var states []State
	var lines []string
	deadline := time.After(waitTimeout)
	for len(lines) == 0 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case StateChanged:
				states = append(states, ev.State)
			case LinesReceived:
				lines = ev.Lines
			}
		case <-deadline:
			t.Fatal("no greeting")
		}
	}
	assert.Equal(t, []State{HostLookup, Connecting, Connected}, states)
	assert.Equal(t, []string{"welcome"}, lines)

	err = s.Connect(context.Background(), "127.0.0.1", port)
	assert.Error(t, err)
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	events := make(chan Event, 64)
	s := New(Options{ID: "r", Events: events})
	err = s.Connect(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.Equal(t, Unconnected, s.State())

	var last Event
	for len(events) > 0 {
		last = <-events
	}
	assert.Equal(t, StateChanged, last.Kind)
	assert.Equal(t, Unconnected, last.State)
}

func TestWithoutConnection(t *testing.T) {
	s := New(Options{ID: "idle"})
	_, err := s.WriteText("x")
	assert.ErrorIs(t, err, perrors.NoConnection)
	assert.ErrorIs(t, s.StartTLSClient(), perrors.NoConnection)
	assert.Equal(t, "", s.PeerAddress())
	assert.Zero(t, s.PeerPort())
	assert.Equal(t, LAN, s.Location())
	s.Stop()
	s.Stop()
}
