// Package errors provides domain-specific error types for relayd.
//
// These types carry structured context (operation, address, path,
// retryability) so callers can decide how to handle a failure and so
// log lines say more than a wrapped string would.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPeerNotAllowed  = errors.New("peer address not allowed")
	ErrServerFull      = errors.New("server at max_clients capacity")
	ErrNoPrivateKey    = errors.New("no private keys found")
	ErrNoCertificate   = errors.New("no certificates found")
	ErrNoDomain        = errors.New("TLS domain not specified")
	ErrProxyClosed     = errors.New("proxy supervisor closed")
	ErrEmptyFrame      = errors.New("empty frame")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TLSError is a handshake or TLS configuration failure.
type TLSError struct {
	Op  string // "handshake", "load"
	Err error
}

func (e *TLSError) Error() string { return fmt.Sprintf("tls %s: %v", e.Op, e.Err) }

func (e *TLSError) Unwrap() error { return e.Err }

// DecodeError means an inbound frame could not be turned into a
// message. Stage is "frame" for the envelope and "payload" for the
// message-specific body.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Stage, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessError is a failure to spawn, signal or reap a child process.
type ProcessError struct {
	Op      string // "spawn", "signal", "wait"
	Command string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// CertError is a certificate generation, write or load failure.
type CertError struct {
	Op   string // "generate", "write", "read", "parse"
	Path string
	Err  error
}

func (e *CertError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("certificate %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("certificate %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CertError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // dotted config key, e.g. "server.port"
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
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

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// Decode wraps err as a DecodeError for the given stage.
func Decode(stage string, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
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
	return classifyRetryable(err)
}

// IsDecode reports whether err is (or wraps) a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			// Refused and unreachable dials are worth another try
			// while the server is still coming up.
			return true
		}
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use relayd/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
