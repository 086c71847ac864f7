// Package api holds the shared types and collaborator contracts used across
// the traffic engine: connection identifiers, IO tasks, protocol outcomes,
// and the four injection points (create/connect-or-accept/io/closing) that
// let a SocketState drive an arbitrary transport.
package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies why a connection failed, independent of the Go error
// chain carried alongside it. Broker counters key off these, never off
// error strings.
type ErrorCode int

const (
	// ErrNone indicates success.
	ErrNone ErrorCode = iota
	// ErrTransport covers connection refused/reset/aborted and timeouts.
	ErrTransport
	// ErrProtocol covers TooFewBytes/TooManyBytes/CorruptedBytes framing violations.
	ErrProtocol
	// ErrResourceExhausted covers buffer/connection-id slot allocation failure.
	ErrResourceExhausted
	// ErrConfig covers configuration errors detected at startup.
	ErrConfig
	// ErrInternal covers anything that should never happen; the caller should
	// treat this as equivalent to a fatal invariant violation at the engine
	// boundary, though SocketState itself never panics on it.
	ErrInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrTransport:
		return "transport"
	case ErrProtocol:
		return "protocol"
	case ErrResourceExhausted:
		return "resource-exhausted"
	case ErrConfig:
		return "config"
	case ErrInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ConnError is a structured, causally-wrapped per-connection error. Code is
// what the Broker and statistics care about; Err carries the full chain for
// logging via github.com/pkg/errors.
type ConnError struct {
	Code ErrorCode
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// NewConnError wraps cause with a classification code and a message,
// preserving the causal chain via pkg/errors.
func NewConnError(code ErrorCode, cause error, msg string) *ConnError {
	if cause == nil {
		return &ConnError{Code: code, Err: errors.New(msg)}
	}
	return &ConnError{Code: code, Err: errors.Wrap(cause, msg)}
}

// Fatalf panics with a wrapped diagnostic. Per spec, invariant violations
// (counter underflow, pattern-state contract breaches, unknown states) are
// non-recoverable.
func Fatalf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
