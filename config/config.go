// Package config defines the runtime configuration for popnet and
// provides helpers for parsing tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"popnet/internal/envelope"
	perrors "popnet/internal/errors"
)

// Config holds every tuneable for one popnet process.
type Config struct {
	// ── Servers ──────────────────────────────────────────────────────
	ListenHost string `yaml:"listen_host"`
	TCPPort    int    `yaml:"tcp_port"` // 0 disables the stream listener
	UDPPort    int    `yaml:"udp_port"` // 0 leaves the datagram channel unbound

	// ── Files ────────────────────────────────────────────────────────
	WorkingDir     string `yaml:"working_dir"`
	HomeDir        string `yaml:"home_dir"`
	ApplicationDir string `yaml:"application_dir"`
	FileReadJailed bool   `yaml:"fileread_jailed"`
	Settings       string `yaml:"settings"` // "", memory, file:<path>, redis://…

	// ── Sessions ─────────────────────────────────────────────────────
	Location       string        `yaml:"location"` // lan or wan
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
	EventTTL       time.Duration `yaml:"event_ttl"`

	// ── TLS ──────────────────────────────────────────────────────────
	CertFile   string        `yaml:"cert_file"`
	KeyFile    string        `yaml:"key_file"`
	CACertsDir string        `yaml:"ca_certs_dir"`
	TLSTimeout time.Duration `yaml:"tls_timeout"`

	// ── Envelope ─────────────────────────────────────────────────────
	Compression          string `yaml:"compression"`
	CompressionThreshold int    `yaml:"compression_threshold"`

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec        string `yaml:"tunnel"` // raw user@host[:port] from -T
	TunnelEnabled     bool   `yaml:"-"`
	TunnelUser        string `yaml:"-"`
	TunnelHost        string `yaml:"-"`
	TunnelPort        int    `yaml:"-"`
	SSHKeyPath        string `yaml:"ssh_key"`
	SSHPassword       bool   `yaml:"ssh_password"` // true → prompt interactively
	UseSSHAgent       bool   `yaml:"ssh_agent"`
	StrictHostKey     bool   `yaml:"strict_hostkey"`
	KnownHostsPath    string `yaml:"known_hosts"`
	KeepAliveInterval int    `yaml:"keep_alive"` // seconds

	// ── Output ───────────────────────────────────────────────────────
	Verbose int  `yaml:"verbose"`
	LogJSON bool `yaml:"log_json"`
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec, when set, into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &perrors.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use --tunnel user@gateway[:port]",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// CompressionMode returns the parsed envelope compression.
func (c *Config) CompressionMode() envelope.Compression {
	comp, err := envelope.ParseCompression(c.Compression)
	if err != nil {
		return envelope.None
	}
	return comp
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Errors are *errors.ConfigError values carrying a hint.
func (c *Config) Validate() error {
	for _, p := range []struct {
		field string
		port  int
	}{{"tcp-port", c.TCPPort}, {"udp-port", c.UDPPort}} {
		if p.port < 0 || p.port > 65535 {
			return &perrors.ConfigError{
				Field:   p.field,
				Value:   p.port,
				Message: "port out of range 0-65535",
				Hint:    "use 0 to disable the server",
			}
		}
	}

	if c.WorkingDir == "" {
		return &perrors.ConfigError{
			Field:   "working-dir",
			Message: "a working directory is required",
			Hint:    "received files are stored beneath it; set --working-dir or POPNET_WORKING_DIR",
		}
	}

	if c.Location != "lan" && c.Location != "wan" {
		return &perrors.ConfigError{
			Field:   "location",
			Value:   c.Location,
			Message: "unknown location",
			Hint:    `use "lan" or "wan"`,
		}
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return &perrors.ConfigError{
			Field:   "cert",
			Value:   c.CertFile,
			Message: "--cert and --key must be given together",
			Hint:    "the server side of a TLS upgrade needs both the certificate and its key",
		}
	}

	if _, err := envelope.ParseCompression(c.Compression); err != nil {
		return &perrors.ConfigError{
			Field:   "compression",
			Value:   c.Compression,
			Message: err.Error(),
			Hint:    "use none, lz4 or zstd",
		}
	}
	if c.CompressionThreshold < 0 {
		return &perrors.ConfigError{
			Field:   "compression-threshold",
			Value:   c.CompressionThreshold,
			Message: "must not be negative",
		}
	}

	if c.MaxLineLength < 0 {
		return &perrors.ConfigError{
			Field:   "max-line",
			Value:   c.MaxLineLength,
			Message: "must not be negative",
			Hint:    "0 selects the built-in limit",
		}
	}

	if !validSettingsSpec(c.Settings) {
		return &perrors.ConfigError{
			Field:   "settings",
			Value:   c.Settings,
			Message: "unknown settings backend",
			Hint:    "use memory, file:<path> or redis://host:port/db",
		}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &perrors.ConfigError{
			Field:   "tunnel",
			Message: "tunnel host is required",
			Hint:    "use --tunnel user@gateway[:port]",
		}
	}
	if !c.TunnelEnabled && (c.SSHKeyPath != "" || c.SSHPassword) {
		return &perrors.ConfigError{
			Field:   "ssh-key",
			Value:   c.SSHKeyPath,
			Message: "SSH credentials given without a tunnel",
			Hint:    "add --tunnel user@gateway[:port] or drop the SSH options",
		}
	}

	return nil
}

func validSettingsSpec(s string) bool {
	switch {
	case s == "", s == "memory":
		return true
	case strings.HasPrefix(s, "file:") && len(s) > len("file:"):
		return true
	case strings.HasPrefix(s, "redis://"), strings.HasPrefix(s, "rediss://"):
		return true
	}
	return false
}
