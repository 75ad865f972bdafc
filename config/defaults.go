package config

import (
	"os"
	"path/filepath"
	"time"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultListenHost is where the stream listener and the datagram
	// channel bind.  Local clients only.
	DefaultListenHost = "127.0.0.1"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout bounds an outbound connect, gateway included.
	DefaultConnTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds one blocked socket write.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultTLSTimeout bounds a TLS handshake.
	DefaultTLSTimeout = 30 * time.Second

	// DefaultEventTTL is how long parked event parameters stay
	// retrievable.
	DefaultEventTTL = 5 * time.Minute

	// DefaultLocation is the network class of new sessions.
	DefaultLocation = "lan"

	// DefaultCompression is the envelope body compression.
	DefaultCompression = "none"

	// DefaultCompressionThreshold is the smallest body worth compressing.
	DefaultCompressionThreshold = 512

	// DefaultSettings selects the in-process settings store.
	DefaultSettings = "memory"

	// DataDirName is the per-user directory below the home directory.
	DataDirName = ".popnet"
)

// Defaults returns a Config populated with the built-in defaults.  The
// jail roots live below ~/.popnet when a home directory is known.
func Defaults() *Config {
	cfg := &Config{
		ListenHost:           DefaultListenHost,
		Location:             DefaultLocation,
		ConnectTimeout:       DefaultConnTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		TLSTimeout:           DefaultTLSTimeout,
		EventTTL:             DefaultEventTTL,
		Compression:          DefaultCompression,
		CompressionThreshold: DefaultCompressionThreshold,
		Settings:             DefaultSettings,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		UseSSHAgent:          true,
	}
	if home, err := os.UserHomeDir(); err == nil {
		base := filepath.Join(home, DataDirName)
		cfg.WorkingDir = filepath.Join(base, "working")
		cfg.HomeDir = home
		cfg.ApplicationDir = filepath.Join(base, "app")
		cfg.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	return cfg
}
