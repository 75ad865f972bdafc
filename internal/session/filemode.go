package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	perrors "popnet/internal/errors"
	"popnet/internal/jail"
	"popnet/internal/settings"
)

// FileResult describes the file opened by SetFileMode.
type FileResult struct {
	Size int64 `json:"size"`
	Pos  int64 `json:"pos"`
}

// ParseDirection maps "send" and "receive" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Send, Receive:
		return Direction(s), nil
	}
	return "", fmt.Errorf("unknown file mode direction %q", s)
}

// SetFileMode opens path for a transfer in direction dir and positions
// it at offset.
//
// Receive paths always resolve under the working jail; the file and its
// parent directories are created as needed.  Send paths resolve under
// the jail only when the fileread_jailed setting is "true" and must name
// an existing regular file.  Any ".." segment is refused.  On failure no
// file is left open and the session is not in file mode.
func (s *Session) SetFileMode(dir Direction, path string, offset int64) (FileResult, error) {
	const op = "setFileMode"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return FileResult{}, perrors.Rejected(op, perrors.AlreadyInFileMode, nil)
	}
	if jail.HasDotDot(path) {
		return FileResult{}, perrors.Rejected(op, perrors.FileContainsDotDot, nil)
	}

	var (
		f   *os.File
		err error
	)
	switch dir {
	case Send:
		f, err = s.openForSend(path)
	case Receive:
		f, err = s.openForReceive(path)
	default:
		_, err = ParseDirection(string(dir))
		return FileResult{}, err
	}
	if err != nil {
		return FileResult{}, err
	}

	pos, err := f.Seek(offset, io.SeekStart)
	if err != nil {
		f.Close()
		return FileResult{}, perrors.Rejected(op, perrors.CannotOpen, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return FileResult{}, perrors.Rejected(op, perrors.CannotOpen, err)
	}

	s.file = f
	s.dir = dir
	s.log.Verbose("file mode %s %s at %d of %d", dir, f.Name(), pos, fi.Size())
	return FileResult{Size: fi.Size(), Pos: pos}, nil
}

func (s *Session) openForSend(path string) (*os.File, error) {
	const op = "setFileMode"

	p := filepath.Clean(filepath.FromSlash(path))
	if settings.Bool(s.ctx, s.opts.Settings, settings.FileReadJailed) {
		var err error
		if p, err = s.opts.Jail.Resolve(jail.Working, path); err != nil {
			return nil, perrors.Rejected(op, perrors.FileNotExistOrNotInJail, err)
		}
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, perrors.Rejected(op, perrors.FileNotExistOrNotInJail, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, perrors.Rejected(op, perrors.CannotOpen, err)
	}
	return f, nil
}

func (s *Session) openForReceive(path string) (*os.File, error) {
	const op = "setFileMode"

	p, err := s.opts.Jail.Resolve(jail.Working, path)
	if err != nil {
		if r := perrors.ReasonOf(err); r != "" {
			return nil, perrors.Rejected(op, r, err)
		}
		return nil, perrors.Rejected(op, perrors.CannotOpen, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, perrors.Rejected(op, perrors.CannotOpen, err)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, perrors.Rejected(op, perrors.CannotOpen, err)
	}
	if fi, err := f.Stat(); err == nil && !fi.Mode().IsRegular() {
		f.Close()
		return nil, perrors.Rejected(op, perrors.CannotOpen, errors.New("not a regular file"))
	}
	return f, nil
}

// UnsetFileMode closes the transfer file.  It is a no-op outside file
// mode.
func (s *Session) UnsetFileMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFileLocked()
}

// FileSize reports the size of path as SetFileMode(Send, path) would
// resolve it, or an error with the same reasons.
func (s *Session) FileSize(path string) (int64, error) {
	const op = "fileSize"
	if jail.HasDotDot(path) {
		return 0, perrors.Rejected(op, perrors.FileContainsDotDot, nil)
	}
	p := filepath.Clean(filepath.FromSlash(path))
	if settings.Bool(s.ctx, s.opts.Settings, settings.FileReadJailed) {
		var err error
		if p, err = s.opts.Jail.Resolve(jail.Working, path); err != nil {
			return 0, perrors.Rejected(op, perrors.FileNotExistOrNotInJail, err)
		}
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return 0, perrors.Rejected(op, perrors.FileNotExistOrNotInJail, err)
	}
	return fi.Size(), nil
}
