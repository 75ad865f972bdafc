// Package errors provides the error types shared by popnet packages.
//
// Validation failures inside a session carry a [Reason], the short
// token the front-end shows to the user.  Network and configuration
// failures carry enough structured context for the caller to decide
// whether to retry or to print a hint.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTunnelClosed    = errors.New("tunnel is closed")
	ErrNotConnected    = errors.New("not connected")
	ErrSessionClosed   = errors.New("session is closed")
	ErrNoSuchSession   = errors.New("no such session")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrUnsupported     = errors.New("unsupported value")
	ErrTLSActive       = errors.New("tls already started")
)

// ── Session reasons ──────────────────────────────────────────────────

// Reason is the token reported alongside a failed session operation.
// Reason values are also errors so they can be matched with [Is].
type Reason string

const (
	AlreadyInFileMode       Reason = "alreadyInFileMode"
	FileContainsDotDot      Reason = "FileContainsDotDot"
	FileNotExistOrNotInJail Reason = "FileNotExistOrNotInJail"
	CannotOpen              Reason = "cannotOpen"
	CannotWrite             Reason = "cannotWrite"
	CannotRead              Reason = "cannotRead"
	ZeroLengthTransfer      Reason = "zeroLengthTransfer"
	NotInBinaryMode         Reason = "notInBinaryMode"
	NoConnection            Reason = "noConnection"
)

func (r Reason) Error() string { return string(r) }

// ModeError reports a session operation rejected for Reason.  Err, when
// set, is the underlying OS or network failure.
type ModeError struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *ModeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is matches a ModeError against its Reason.
func (e *ModeError) Is(target error) bool {
	r, ok := target.(Reason)
	return ok && r == e.Reason
}

func (e *ModeError) Unwrap() error { return e.Err }

// Rejected builds a ModeError.
func Rejected(op string, reason Reason, err error) *ModeError {
	return &ModeError{Op: op, Reason: reason, Err: err}
}

// ReasonOf extracts the Reason carried by err, or "" if there is none.
func ReasonOf(err error) Reason {
	var me *ModeError
	if errors.As(err, &me) {
		return me.Reason
	}
	var r Reason
	if errors.As(err, &r) {
		return r
	}
	return ""
}

// ── TLS verification ─────────────────────────────────────────────────

// TLSErrorKind names one certificate validation failure.
type TLSErrorKind string

const (
	HostNameMismatch             TLSErrorKind = "HostNameMismatch"
	CertificateExpired           TLSErrorKind = "CertificateExpired"
	CertificateNotYetValid       TLSErrorKind = "CertificateNotYetValid"
	SelfSignedCertificate        TLSErrorKind = "SelfSignedCertificate"
	UnableToGetIssuerCertificate TLSErrorKind = "UnableToGetIssuerCertificate"
	CertificateUntrusted         TLSErrorKind = "CertificateUntrusted"
	NoPeerCertificate            TLSErrorKind = "NoPeerCertificate"
)

var tlsDescriptions = map[TLSErrorKind]string{
	HostNameMismatch:             "The host name did not match any of the valid hosts for this certificate",
	CertificateExpired:           "The certificate has expired",
	CertificateNotYetValid:       "The certificate is not yet valid",
	SelfSignedCertificate:        "The certificate is self-signed, and untrusted",
	UnableToGetIssuerCertificate: "The issuer certificate could not be found",
	CertificateUntrusted:         "The root CA certificate is not trusted for this purpose",
	NoPeerCertificate:            "The peer did not present any certificate",
}

// TLSError is one validation failure found during a handshake.
type TLSError struct {
	Kind    TLSErrorKind
	Subject string
}

func (e *TLSError) Error() string {
	if e.Subject == "" {
		return e.Description()
	}
	return fmt.Sprintf("%s (%s)", e.Description(), e.Subject)
}

// Description is the human-readable text for the error kind.
func (e *TLSError) Description() string {
	if d, ok := tlsDescriptions[e.Kind]; ok {
		return d
	}
	return string(e.Kind)
}

// TLSErrors aggregates every failure of one handshake.
type TLSErrors []*TLSError

func (es TLSErrors) Error() string {
	switch len(es) {
	case 0:
		return "tls: no errors"
	case 1:
		return "tls: " + es[0].Error()
	}
	return fmt.Sprintf("tls: %s (and %d more)", es[0].Error(), len(es)-1)
}

// Strings returns the description of each failure in order.
func (es TLSErrors) Strings() []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Description()
	}
	return out
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "listen", "accept", "write", "read", "bind"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH failure with gateway context.
type SSHError struct {
	Op   string // "handshake", "auth", "channel", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string
	Value   interface{} // nil if missing
	Message string
	Hint    string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	var se *SSHError
	if errors.As(err, &se) && se.Op == "handshake" {
		return classifyRetryable(se.Err) || isRefused(se.Err)
	}
	return classifyRetryable(err)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout() || isRefused(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}

func isRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
