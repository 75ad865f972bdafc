package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "popnet/internal/errors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFile_YAML(t *testing.T) {
	p := writeFile(t, "popnet.yaml", `
tcp_port: 4200
udp_port: 4201
location: wan
connect_timeout: 45s
fileread_jailed: true
compression: zstd
tunnel: ops@gw
`)
	cfg := &Config{ListenHost: "127.0.0.1", WriteTimeout: time.Second}
	require.NoError(t, LoadFile(cfg, p))

	assert.Equal(t, 4200, cfg.TCPPort)
	assert.Equal(t, 4201, cfg.UDPPort)
	assert.Equal(t, "wan", cfg.Location)
	assert.Equal(t, 45*time.Second, cfg.ConnectTimeout)
	assert.True(t, cfg.FileReadJailed)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, "ops@gw", cfg.TunnelSpec)
	// Keys absent from the file keep their values.
	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
}

func TestLoadFile_JSONC(t *testing.T) {
	p := writeFile(t, "popnet.jsonc", `{
	// stream listener for local clients
	"tcp_port": 4300,
	"event_ttl": "2m",
	"ca_certs_dir": "/etc/popnet/ca", /* trailing comma next */
}`)
	cfg := &Config{}
	require.NoError(t, LoadFile(cfg, p))
	assert.Equal(t, 4300, cfg.TCPPort)
	assert.Equal(t, 2*time.Minute, cfg.EventTTL)
	assert.Equal(t, "/etc/popnet/ca", cfg.CACertsDir)
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"extension", func(t *testing.T) string { return writeFile(t, "popnet.toml", "tcp_port = 1") }},
		{"unknown key", func(t *testing.T) string { return writeFile(t, "popnet.yml", "tcp_prot: 1\n") }},
		{"bad value", func(t *testing.T) string { return writeFile(t, "popnet.json", `{"tcp_port": "many"}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LoadFile(&Config{}, tt.path(t))
			var ce *perrors.ConfigError
			require.True(t, errors.As(err, &ce), "err = %v", err)
			assert.Equal(t, "config", ce.Field)
		})
	}
}

func TestLoadFile_Empty(t *testing.T) {
	p := writeFile(t, "empty.yaml", "")
	cfg := &Config{TCPPort: 9}
	require.NoError(t, LoadFile(cfg, p))
	assert.Equal(t, 9, cfg.TCPPort)
}
