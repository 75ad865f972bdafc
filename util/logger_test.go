package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3) // debug level
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5, buf.String())

	wantPrefixes := []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}
	for i, prefix := range wantPrefixes {
		assert.Contains(t, lines[i], prefix, "line %d", i)
	}
}

func TestLogger_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Info("should not appear")
	l.Verbose("should not appear")
	l.Debug("should not appear")
	l.Error("always appears")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "always appears")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	child := l.With("session", "-1")
	child.Info("hello")
	l.Info("plain")

	out := buf.String()
	assert.Contains(t, out, "session=-1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[1], "session=")
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(2)
	l.SetOutput(&buf)

	l.With("peer", "127.0.0.1").Verbose("connected %d", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connected 7", entry["message"])
	assert.Equal(t, "127.0.0.1", entry["peer"])
	assert.Equal(t, true, entry["vrb"])
	assert.NotEmpty(t, entry["time"])
}

func TestBufPool_RoundTrip(t *testing.T) {
	buf := GetBuf()
	require.NotNil(t, buf)
	assert.Len(t, *buf, ReadBufSize)
	PutBuf(buf)
	PutBuf(nil) // must not panic
}
