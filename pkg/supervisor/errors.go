package supervisor

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpawnError reports a child that could not be started or that exited or
// misbehaved before the handshake completed.
type SpawnError struct {
	Server string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("supervisor: start %q: %v", e.Server, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports a child that did not answer initialize in
// time.
type HandshakeTimeoutError struct {
	Server  string
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("supervisor: %q did not complete initialize within %s", e.Server, e.Timeout)
}

// UpstreamCrashError reports a child process that exited unexpectedly.
type UpstreamCrashError struct {
	Server string
	Err    error
}

func (e *UpstreamCrashError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("supervisor: %q exited unexpectedly", e.Server)
	}
	return fmt.Sprintf("supervisor: %q exited unexpectedly: %v", e.Server, e.Err)
}

func (e *UpstreamCrashError) Unwrap() error { return e.Err }

// UpstreamUnavailableError reports a call to a server that is not ready, or
// that went away while the call was queued or in flight.
type UpstreamUnavailableError struct {
	Server string
	State  State
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	msg := fmt.Sprintf("supervisor: server %q is unavailable (%s)", e.Server, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object returned by a child.
type RPCError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
)
