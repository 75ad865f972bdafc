package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = "POPNET_CONFIG"

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the POPNET_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("POPNET_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v, ok := envInt("POPNET_TCP_PORT"); ok {
		cfg.TCPPort = v
	}
	if v, ok := envInt("POPNET_UDP_PORT"); ok {
		cfg.UDPPort = v
	}

	// Files
	if v := os.Getenv("POPNET_WORKING_DIR"); v != "" {
		cfg.WorkingDir = v
	}
	if v := os.Getenv("POPNET_HOME_DIR"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("POPNET_APP_DIR"); v != "" {
		cfg.ApplicationDir = v
	}
	if envBool("POPNET_FILEREAD_JAILED") {
		cfg.FileReadJailed = true
	}
	if v := os.Getenv("POPNET_SETTINGS"); v != "" {
		cfg.Settings = v
	}

	// Sessions
	if v := os.Getenv("POPNET_LOCATION"); v != "" {
		cfg.Location = strings.ToLower(v)
	}
	if v, ok := envDuration("POPNET_CONNECT_TIMEOUT"); ok {
		cfg.ConnectTimeout = v
	}
	if v, ok := envDuration("POPNET_WRITE_TIMEOUT"); ok {
		cfg.WriteTimeout = v
	}
	if v, ok := envInt("POPNET_MAX_LINE"); ok {
		cfg.MaxLineLength = v
	}
	if v, ok := envDuration("POPNET_EVENT_TTL"); ok {
		cfg.EventTTL = v
	}

	// TLS
	if v := os.Getenv("POPNET_CERT"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("POPNET_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("POPNET_CA_DIR"); v != "" {
		cfg.CACertsDir = v
	}
	if v, ok := envDuration("POPNET_TLS_TIMEOUT"); ok {
		cfg.TLSTimeout = v
	}

	// Envelope
	if v := os.Getenv("POPNET_COMPRESSION"); v != "" {
		cfg.Compression = v
	}
	if v, ok := envInt("POPNET_COMPRESSION_THRESHOLD"); ok {
		cfg.CompressionThreshold = v
	}

	// SSH tunnel
	if v := os.Getenv("POPNET_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("POPNET_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("POPNET_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if v := os.Getenv("POPNET_SSH_AGENT"); v != "" {
		cfg.UseSSHAgent = envBool("POPNET_SSH_AGENT")
	}
	if envBool("POPNET_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("POPNET_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v, ok := envInt("POPNET_KEEP_ALIVE"); ok {
		cfg.KeepAliveInterval = v
	}

	// Output
	if v, ok := envInt("POPNET_VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
	if envBool("POPNET_LOG_JSON") {
		cfg.LogJSON = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
