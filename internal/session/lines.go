package session

import (
	"bytes"
	"strings"
)

// splitLines appends data to pending and cuts off every complete
// '\n'-terminated line.  Lines are trimmed and empty ones dropped.  The
// returned slice holds the unterminated tail and reuses pending's
// storage.  A tail longer than max (when max > 0) is emitted as a line
// of its own.
func splitLines(pending, data []byte, max int) ([]byte, []string) {
	pending = append(pending, data...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(pending[start:], '\n')
		if i < 0 {
			break
		}
		if l := cleanLine(pending[start : start+i]); l != "" {
			lines = append(lines, l)
		}
		start += i + 1
	}
	n := copy(pending, pending[start:])
	pending = pending[:n]

	if max > 0 && len(pending) > max {
		if l := cleanLine(pending); l != "" {
			lines = append(lines, l)
		}
		pending = pending[:0]
	}
	return pending, lines
}

func cleanLine(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
}
