// Package cmd wires up the CLI flags and runs the bridge front end.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"popnet/config"
	"popnet/internal/bridge"
	"popnet/internal/envelope"
	"popnet/internal/jail"
	"popnet/internal/metrics"
	"popnet/internal/session"
	"popnet/internal/settings"
	"popnet/internal/transport"
	"popnet/tunnel"
	"popnet/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X popnet/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and serves the JSON-lines front end on stdin and
// stdout until stdin closes or ctx ends.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	// Defaults, then the config file, then the environment.  Flags are
	// declared with the result as their defaults so they win last.
	cfg := config.Defaults()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("popnet", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configFile string
	fs.StringVarP(&configFile, "config", "f", "", "Config file (.yaml, .yml, .json, .jsonc)")

	// ── servers ──────────────────────────────────────────────────
	fs.StringVar(&cfg.ListenHost, "listen-host", cfg.ListenHost, "Address the servers bind to")
	fs.IntVarP(&cfg.TCPPort, "tcp-port", "p", cfg.TCPPort, "Accept local stream clients on this port (0 = off)")
	fs.IntVarP(&cfg.UDPPort, "udp-port", "u", cfg.UDPPort, "Bind the datagram channel to this port (0 = off)")

	// ── files ────────────────────────────────────────────────────
	fs.StringVar(&cfg.WorkingDir, "working-dir", cfg.WorkingDir, "Jail root for received files")
	fs.StringVar(&cfg.HomeDir, "home-dir", cfg.HomeDir, "Jail root for the home location")
	fs.StringVar(&cfg.ApplicationDir, "app-dir", cfg.ApplicationDir, "Jail root for the application location")
	fs.BoolVar(&cfg.FileReadJailed, "fileread-jailed", cfg.FileReadJailed, "Restrict outbound file sends to the working jail")
	fs.StringVar(&cfg.Settings, "settings", cfg.Settings, "Settings store: memory, file:<path> or redis://host:port/db")

	// ── sessions ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Location, "location", cfg.Location, "Default network class of new sessions (lan or wan)")
	fs.DurationVarP(&cfg.ConnectTimeout, "connect-timeout", "w", cfg.ConnectTimeout, "Outbound connect timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-write socket timeout")
	fs.IntVar(&cfg.MaxLineLength, "max-line", cfg.MaxLineLength, "Longest unterminated line kept in line mode (0 = built-in)")
	fs.DurationVar(&cfg.EventTTL, "event-ttl", cfg.EventTTL, "How long event parameters stay retrievable")

	// ── TLS ──────────────────────────────────────────────────────
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "PEM certificate for the server role of a TLS upgrade")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "PEM private key matching --cert")
	fs.StringVar(&cfg.CACertsDir, "ca-dir", cfg.CACertsDir, "Directory of extra *.pem trust anchors for wan sessions")
	fs.DurationVar(&cfg.TLSTimeout, "tls-timeout", cfg.TLSTimeout, "TLS handshake timeout")

	// ── envelope ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Envelope compression: none, lz4 or zstd")
	fs.IntVar(&cfg.CompressionThreshold, "compression-threshold", cfg.CompressionThreshold, "Smallest body worth compressing")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Route outbound sessions via [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 = off)")

	// ── output ───────────────────────────────────────────────────
	envVerbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log JSON objects to stderr")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate and print the effective configuration, then exit")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	if showHelp {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "popnet %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q (use --help for usage)", fs.Args())
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dryRun {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	return run(ctx, cfg, stdin, stdout)
}

// run builds the bridge from cfg and serves until stdin is exhausted or
// ctx ends.
func run(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogJSON {
		logger = util.NewJSONLogger(cfg.Verbose)
	}
	m := metrics.New()

	roots := jail.New(cfg.WorkingDir, cfg.HomeDir, cfg.ApplicationDir)
	if err := roots.EnsureRoots(); err != nil {
		return err
	}

	store, err := settings.Open(cfg.Settings)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if cfg.FileReadJailed {
		if err := store.Set(ctx, settings.FileReadJailed, "true"); err != nil {
			return err
		}
	}

	dialer := newDialer(cfg, logger, m)
	defer dialer.Close() //nolint:errcheck

	br := bridge.New(bridge.Options{
		ListenHost: cfg.ListenHost,
		Jail:       roots,
		Settings:   store,
		TLS: session.TLSConfig{
			CertFile:   cfg.CertFile,
			KeyFile:    cfg.KeyFile,
			CACertsDir: cfg.CACertsDir,
			Timeout:    cfg.TLSTimeout,
		},
		Dialer: dialer,
		Codec: &envelope.Codec{
			Compression: cfg.CompressionMode(),
			Threshold:   cfg.CompressionThreshold,
		},
		WriteTimeout:  cfg.WriteTimeout,
		MaxLineLength: cfg.MaxLineLength,
		EventTTL:      cfg.EventTTL,
		Logger:        logger,
		Metrics:       m,
	})
	defer br.Close() //nolint:errcheck

	if cfg.TCPPort > 0 {
		if _, err := br.StartTCPServer(cfg.TCPPort); err != nil {
			return err
		}
		logger.Info("accepting local clients on %s", util.FormatAddr(cfg.ListenHost, br.TCPPort()))
	}
	if cfg.UDPPort > 0 {
		if _, err := br.StartUDPServer(cfg.UDPPort); err != nil {
			return err
		}
		logger.Info("datagram channel bound to %s", util.FormatAddr(cfg.ListenHost, br.UDPPort()))
	}

	// ── serve ────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// A read on stdin cannot be interrupted, so Serve runs outside the
	// group and only its result is waited for.
	served := make(chan error, 1)
	go func() { served <- br.Serve(gctx, stdin, stdout) }()

	g.Go(func() error { return br.Run(gctx) })
	g.Go(func() error {
		select {
		case err := <-served:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	logger.Verbose("session totals: %s", m.JSON())
	return err
}

func newDialer(cfg *config.Config, logger *util.Logger, m *metrics.Collector) transport.Dialer {
	if !cfg.TunnelEnabled {
		return &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	}
	return transport.NewSSHDialer(&tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.ConnectTimeout,
		KeepAlive:     time.Duration(cfg.KeepAliveInterval) * time.Second,
	}, logger, m)
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config/-f in args ahead of the real parse, falling
// back to $POPNET_CONFIG.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return os.Getenv(config.EnvConfigFile)
		case a == "--config" || a == "-f":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-f") && len(a) > 2 && !strings.HasPrefix(a, "--"):
			return strings.TrimPrefix(strings.TrimPrefix(a, "-f"), "=")
		}
	}
	return os.Getenv(config.EnvConfigFile)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `popnet – native network bridge v%s

Speaks JSON lines on stdin/stdout: one {"id","op","args"} request per
line in, one {"id","result"|"error"} response per line out, with
{"event","eventId","params"} notifications interleaved.

Usage:
  popnet [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  popnet -p 4000                              Accept local clients on 4000
  popnet -u 4001 --compression zstd           Bind the datagram channel
  popnet -T ops@bastion --location wan        Connect out through a gateway
  popnet -f popnet.yaml --dry-run             Show the effective config
`)
}
