package bridge

import (
	"encoding/hex"
	"fmt"

	perrors "popnet/internal/errors"
	"popnet/internal/session"
)

// Content types accepted by SetContent.
const (
	ContentMessage = "message"
	ContentFile    = "file"
)

// File size codes returned by SetContent for file content.
const (
	SizeNotFound  int64 = -1
	SizeHasDotDot int64 = -4
)

// Content is the argument of SetContent.  Message is used for
// ContentMessage and Path for ContentFile.
type Content struct {
	Type    string
	Message map[string]any
	Path    string
}

// Connect dials host:port for session id in the background.  Progress
// and failure arrive as connectionStateChanged notifications.
func (b *Bridge) Connect(id, host string, port int) error {
	s, err := b.lookup(id, "connectToServer", map[string]any{"host": host, "port": port})
	if err != nil {
		return err
	}
	go func() {
		if err := s.Connect(b.ctx, host, port); err != nil {
			b.log.Verbose("session %s: %v", id, err)
		}
	}()
	return nil
}

// Stop closes the session's connection but keeps it registered.
func (b *Bridge) Stop(id string) error {
	s, err := b.lookup(id, "stop", nil)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// WritePlain sends text followed by a newline.
func (b *Bridge) WritePlain(id, text string) (int, error) {
	s, err := b.lookup(id, "writePlain", map[string]any{"text": text})
	if err != nil {
		return 0, err
	}
	return s.WriteText(text + "\n")
}

// Flush retries output queued after a write timeout.
func (b *Bridge) Flush(id string) (int, error) {
	s, err := b.lookup(id, "flush", nil)
	if err != nil {
		return 0, err
	}
	return s.Flush()
}

// SetContent prepares the next binary transfer.  Message content is
// encoded into the session's buffer and its size returned.  File
// content only reports the file's size, or SizeHasDotDot or
// SizeNotFound.
func (b *Bridge) SetContent(id string, c Content) (int64, error) {
	s, err := b.lookup(id, "setContent", map[string]any{"content_type": c.Type})
	if err != nil {
		return 0, err
	}
	switch c.Type {
	case ContentMessage:
		enc, err := b.codec.Encode(c.Message)
		if err != nil {
			return 0, fmt.Errorf("setContent: %w", err)
		}
		return int64(s.SetMessage(enc)), nil
	case ContentFile:
		n, err := s.FileSize(c.Path)
		switch {
		case err == nil:
			return n, nil
		case perrors.ReasonOf(err) == perrors.FileContainsDotDot:
			return SizeHasDotDot, nil
		default:
			return SizeNotFound, nil
		}
	}
	return 0, fmt.Errorf("setContent: unknown content type %q", c.Type)
}

// SetFileMode opens a file for transfer on session id.
func (b *Bridge) SetFileMode(id string, dir session.Direction, path string, pos int64) (session.FileResult, error) {
	s, err := b.lookup(id, "setFileMode", map[string]any{"file_mode_type": string(dir), "path": path, "pos": pos})
	if err != nil {
		return session.FileResult{}, err
	}
	return s.SetFileMode(dir, path, pos)
}

// UnsetFileMode closes the session's transfer file, if any.
func (b *Bridge) UnsetFileMode(id string) error {
	s, err := b.lookup(id, "unsetFileMode", nil)
	if err != nil {
		return err
	}
	s.UnsetFileMode()
	return nil
}

// SetBinary enters binary mode with an advisory size.
func (b *Bridge) SetBinary(id string, size int64) error {
	s, err := b.lookup(id, "setBinary", map[string]any{"size": size})
	if err != nil {
		return err
	}
	s.SetBinaryMode(size)
	return nil
}

// UnsetBinary returns to line mode.
func (b *Bridge) UnsetBinary(id string) error {
	s, err := b.lookup(id, "unsetBinary", nil)
	if err != nil {
		return err
	}
	s.UnsetBinaryMode()
	return nil
}

// WriteBinary sends the next chunk and returns the running total.
func (b *Bridge) WriteBinary(id string, size int64) (int64, error) {
	s, err := b.lookup(id, "writeBinary", map[string]any{"bytes": size})
	if err != nil {
		return 0, err
	}
	return s.WriteBinaryChunk(size)
}

// Message decodes the session's buffer as an envelope.  An empty
// buffer yields an empty map.
func (b *Bridge) Message(id string) (map[string]any, error) {
	s, err := b.lookup(id, "getMessage", nil)
	if err != nil {
		return nil, err
	}
	buf := s.Message()
	if len(buf) == 0 {
		return map[string]any{}, nil
	}
	return b.codec.Decode(buf)
}

// MessageHex returns the session's buffer hex-encoded.
func (b *Bridge) MessageHex(id string) (string, error) {
	s, err := b.lookup(id, "getMessageHex", nil)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(s.Message()), nil
}

// SetMessageHex replaces the session's buffer with hex-decoded bytes.
func (b *Bridge) SetMessageHex(id, h string) (int, error) {
	s, err := b.lookup(id, "setMessageHex", nil)
	if err != nil {
		return 0, err
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return 0, fmt.Errorf("setMessageHex: %w", err)
	}
	return s.SetMessage(raw), nil
}

// PeerAddress returns the remote IP of session id.
func (b *Bridge) PeerAddress(id string) (string, error) {
	s, err := b.lookup(id, "getPeerAddress", nil)
	if err != nil {
		return "", err
	}
	return s.PeerAddress(), nil
}

// Info returns addresses, state and TLS details of session id.
func (b *Bridge) Info(id string) (session.Info, error) {
	s, err := b.lookup(id, "getInfo", nil)
	if err != nil {
		return session.Info{}, err
	}
	return s.TLSInfo(), nil
}

// State returns the connection state of session id.
func (b *Bridge) State(id string) (session.State, error) {
	s, err := b.lookup(id, "getState", nil)
	if err != nil {
		return session.Unconnected, err
	}
	return s.State(), nil
}

// StartClientEncryption upgrades session id to TLS as client.
func (b *Bridge) StartClientEncryption(id string) error {
	s, err := b.lookup(id, "startClientEncryption", nil)
	if err != nil {
		return err
	}
	return s.StartTLSClient()
}

// StartServerEncryption upgrades session id to TLS as server.
func (b *Bridge) StartServerEncryption(id string) error {
	s, err := b.lookup(id, "startServerEncryption", nil)
	if err != nil {
		return err
	}
	return s.StartTLSServer()
}

// IgnoreTLSErrors lets session id's handshake pass validation
// failures, either in advance or in answer to a tlsErrors event.
func (b *Bridge) IgnoreTLSErrors(id string) error {
	s, err := b.lookup(id, "doIgnoreSslErrors", nil)
	if err != nil {
		return err
	}
	s.IgnoreTLSErrors()
	return nil
}

// Pause suspends inbound processing for session id.
func (b *Bridge) Pause(id string) error {
	s, err := b.lookup(id, "pause", nil)
	if err != nil {
		return err
	}
	s.Pause()
	return nil
}

// Resume continues inbound processing for session id.
func (b *Bridge) Resume(id string) error {
	s, err := b.lookup(id, "resume", nil)
	if err != nil {
		return err
	}
	s.Resume()
	return nil
}
