package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	perrors "popnet/internal/errors"
)

// DefaultHandshakeTimeout bounds a TLS upgrade when TLSConfig.Timeout
// is zero.
const DefaultHandshakeTimeout = 30 * time.Second

// StartTLSClient upgrades the connection to TLS in the client role.
// The handshake runs in the background; success is reported by a
// TLSHandshakeComplete event and validation failures by a TLSErrors
// event.  After TLSErrors the handshake waits for IgnoreTLSErrors, Stop
// or the handshake timeout, and only the first lets it proceed.  Calling
// IgnoreTLSErrors before the upgrade authorises it in advance.
func (s *Session) StartTLSClient() error { return s.startTLS(TLSClient) }

// StartTLSServer upgrades the connection to TLS in the server role
// using TLSConfig.CertFile and KeyFile.
func (s *Session) StartTLSServer() error { return s.startTLS(TLSServer) }

// IgnoreTLSErrors lets a handshake complete despite certificate
// validation failures.  It releases a handshake waiting after its
// TLSErrors event, or authorises the next one.  The TLSErrors event is
// still emitted.
func (s *Session) IgnoreTLSErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreTLS = true
	s.decideTLSLocked()
}

// decideTLSLocked wakes a handshake blocked in verifyPeer.
func (s *Session) decideTLSLocked() {
	if s.tlsDecided != nil {
		close(s.tlsDecided)
		s.tlsDecided = nil
	}
}

// TLSMode returns the encryption role, Unencrypted until a handshake
// has completed.
func (s *Session) TLSMode() TLSMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsMode
}

func (s *Session) startTLS(mode TLSMode) error {
	op := "startClientEncryption"
	if mode == TLSServer {
		op = "startServerEncryption"
	}

	// Writes wait for the handshake; the upgrade goroutine unlocks.
	s.wmu.Lock()

	s.mu.Lock()
	if s.conn == nil || s.stopped {
		s.mu.Unlock()
		s.wmu.Unlock()
		return perrors.Rejected(op, perrors.NoConnection, nil)
	}
	if s.tlsMode != Unencrypted || s.upgrading {
		s.mu.Unlock()
		s.wmu.Unlock()
		return perrors.ErrTLSActive
	}
	cfg, err := s.tlsConfigLocked(mode)
	if err != nil {
		s.mu.Unlock()
		s.wmu.Unlock()
		return fmt.Errorf("%s: %w", op, err)
	}
	s.upgrading = true
	var decided chan struct{}
	if mode == TLSClient {
		decided = make(chan struct{})
		if s.ignoreTLS {
			close(decided)
		} else {
			s.tlsDecided = decided
		}
	}
	raw := s.raw
	r := s.r
	s.mu.Unlock()

	r.suspend()
	go s.upgrade(mode, cfg, raw, r, decided)
	return nil
}

func (s *Session) upgrade(mode TLSMode, cfg *tls.Config, raw *countingConn, r *reader, decided chan struct{}) {
	defer s.wmu.Unlock()

	s.emit(Event{Kind: ModeChanged, TLSMode: mode})
	raw.SetDeadline(time.Time{}) //nolint:errcheck

	timeout := s.opts.TLS.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)

	var tc *tls.Conn
	if mode == TLSClient {
		cfg.VerifyConnection = s.verifyPeer(ctx, cfg.ServerName, s.rootPool(), decided)
		tc = tls.Client(raw, cfg)
	} else {
		tc = tls.Server(raw, cfg)
	}

	err := tc.HandshakeContext(ctx)
	cancel()

	if err != nil {
		s.opts.Metrics.HandshakeFailed()
		var tlsErrs perrors.TLSErrors
		if errors.As(err, &tlsErrs) {
			s.log.Warn("tls handshake rejected: %v", tlsErrs)
		} else {
			s.log.Warn("tls handshake: %v", err)
			s.opts.Metrics.RecordError(err.Error())
		}
		s.mu.Lock()
		s.upgrading = false
		s.tlsDecided = nil
		s.mu.Unlock()
		raw.Close()
		// The read goroutine sees the closed conn and reports Unconnected.
		r.release(nil)
		return
	}

	st := tc.ConnectionState()
	s.mu.Lock()
	s.upgrading = false
	s.tlsDecided = nil
	if s.stopped || s.raw != raw {
		s.mu.Unlock()
		r.release(nil)
		return
	}
	s.conn = tc
	s.tlsMode = mode
	s.tlsState = &st
	s.mu.Unlock()
	r.release(tc)

	s.opts.Metrics.HandshakeCompleted()
	s.log.Info("tls %s established: %s %s", mode, tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite))
	s.emit(Event{Kind: TLSHandshakeComplete, TLSMode: mode})
}

func (s *Session) tlsConfigLocked(mode TLSMode) (*tls.Config, error) {
	if mode == TLSServer {
		if s.opts.TLS.CertFile == "" || s.opts.TLS.KeyFile == "" {
			return nil, errors.New("no server certificate configured")
		}
		cert, err := tls.LoadX509KeyPair(s.opts.TLS.CertFile, s.opts.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading server certificate: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	host := s.opts.TLS.ServerName
	if host == "" {
		host = s.host
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyConnection so every failure
		// can be reported, not just the first.
		InsecureSkipVerify: true, //nolint:gosec
	}, nil
}

// verifyPeer checks the peer chain.  On failure it emits TLSErrors and
// blocks until decided is closed or ctx ends; the handshake proceeds
// only if the errors were ignored and the session is still open.
func (s *Session) verifyPeer(ctx context.Context, host string, roots *x509.CertPool, decided <-chan struct{}) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		errs := checkChain(cs.PeerCertificates, roots, host, time.Now())
		if len(errs) == 0 {
			return nil
		}
		s.emit(Event{Kind: TLSErrors, Errors: errs.Strings(), Err: errs})

		select {
		case <-decided:
		case <-ctx.Done():
		}
		s.mu.Lock()
		ignore := s.ignoreTLS && !s.stopped
		s.mu.Unlock()
		if ignore {
			s.log.Warn("ignoring %v", errs)
			return nil
		}
		return errs
	}
}

// rootPool returns the system roots, plus every *.pem in CACertsDir for
// WAN sessions.
func (s *Session) rootPool() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if s.opts.Location != WAN || s.opts.TLS.CACertsDir == "" {
		return pool
	}
	files, _ := filepath.Glob(filepath.Join(s.opts.TLS.CACertsDir, "*.pem"))
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			s.log.Warn("reading CA %s: %v", f, err)
			continue
		}
		if !pool.AppendCertsFromPEM(pem) {
			s.log.Warn("no certificates in %s", f)
		}
	}
	return pool
}

// checkChain validates a peer chain for host at now and returns every
// failure found.  Validity is checked on the leaf independently of
// trust so an expired self-signed certificate yields both errors.
func checkChain(certs []*x509.Certificate, roots *x509.CertPool, host string, now time.Time) perrors.TLSErrors {
	if len(certs) == 0 {
		return perrors.TLSErrors{{Kind: perrors.NoPeerCertificate}}
	}
	leaf := certs[0]
	subject := leaf.Subject.String()
	var errs perrors.TLSErrors

	at := now
	switch {
	case now.After(leaf.NotAfter):
		errs = append(errs, &perrors.TLSError{Kind: perrors.CertificateExpired, Subject: subject})
		at = leaf.NotAfter
	case now.Before(leaf.NotBefore):
		errs = append(errs, &perrors.TLSError{Kind: perrors.CertificateNotYetValid, Subject: subject})
		at = leaf.NotBefore
	}

	if host != "" {
		if err := leaf.VerifyHostname(host); err != nil {
			errs = append(errs, &perrors.TLSError{Kind: perrors.HostNameMismatch, Subject: subject})
		}
	}

	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return errs
	}

	var unknown x509.UnknownAuthorityError
	switch {
	case len(certs) == 1 && selfSigned(leaf):
		errs = append(errs, &perrors.TLSError{Kind: perrors.SelfSignedCertificate, Subject: subject})
	case errors.As(err, &unknown) && !selfSigned(certs[len(certs)-1]):
		errs = append(errs, &perrors.TLSError{Kind: perrors.UnableToGetIssuerCertificate, Subject: subject})
	default:
		errs = append(errs, &perrors.TLSError{Kind: perrors.CertificateUntrusted, Subject: subject})
	}
	return errs
}

func selfSigned(c *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, c.RawSubject) &&
		c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}
