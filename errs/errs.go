// Package errs defines the error kinds every core component surfaces.
// Each kind is a distinct struct implementing error, following the same
// one-struct-per-kind shape the rest of the stack uses for domain errors.
package errs

import "fmt"

// Kind names the error taxonomy from the error handling design. RPC
// handlers map a Kind to its JSON-RPC error code.
type Kind string

const (
	KindConfig    Kind = "config"
	KindSpawn     Kind = "spawn"
	KindProtocol  Kind = "protocol"
	KindTimeout   Kind = "timeout"
	KindConflict  Kind = "conflict"
	KindNotFound  Kind = "not_found"
	KindCycle     Kind = "cycle"
	KindCancelled Kind = "cancelled"
	KindBackend   Kind = "backend"
)

// Error is the common shape every core error satisfies: a stable kind,
// a human-readable message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Config(msg string, cause error) *Error    { return &Error{KindConfig, msg, cause} }
func Spawn(msg string, cause error) *Error     { return &Error{KindSpawn, msg, cause} }
func Protocol(msg string, cause error) *Error  { return &Error{KindProtocol, msg, cause} }
func Timeout(msg string, cause error) *Error   { return &Error{KindTimeout, msg, cause} }
func Conflict(msg string, cause error) *Error  { return &Error{KindConflict, msg, cause} }
func NotFound(msg string, cause error) *Error  { return &Error{KindNotFound, msg, cause} }
func Cycle(msg string, cause error) *Error     { return &Error{KindCycle, msg, cause} }
func Cancelled(msg string, cause error) *Error { return &Error{KindCancelled, msg, cause} }
func Backend(msg string, cause error) *Error   { return &Error{KindBackend, msg, cause} }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// RPCCode maps a Kind to the JSON-RPC error code reported over the wire.
// Standard JSON-RPC codes (-32700, -32600, -32601) are reserved for
// framing/dispatch failures handled directly by the rpc package; these
// codes occupy the implementation-defined range below -32000.
func RPCCode(kind Kind) int {
	switch kind {
	case KindConfig:
		return -32001
	case KindSpawn:
		return -32002
	case KindProtocol:
		return -32003
	case KindTimeout:
		return -32004
	case KindConflict:
		return -32005
	case KindNotFound:
		return -32006
	case KindCycle:
		return -32007
	case KindCancelled:
		return -32008
	case KindBackend:
		return -32009
	default:
		return -32000
	}
}
