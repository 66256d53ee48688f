package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
)

// MethodNotFoundError reports a method or qualified name that no live server
// answers.
type MethodNotFoundError struct {
	Method string
	Name   string
}

func (e *MethodNotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("method not found: %s", e.Method)
	}
	return fmt.Sprintf("%s: unknown name %q", e.Method, e.Name)
}

// RequestTimeoutError reports a forwarded request that exceeded the call
// timeout. The request was cancelled upstream.
type RequestTimeoutError struct {
	Server  string
	Method  string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s on %q timed out after %s", e.Method, e.Server, e.Timeout)
}

// InvalidParamsError reports params that cannot be routed.
type InvalidParamsError struct {
	Method string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("%s: invalid params: %s", e.Method, e.Reason)
}

var errCancelled = errors.New("request cancelled")

// toWire maps a routing error to the JSON-RPC error object clients see.
func toWire(err error) *wireError {
	var (
		notFound    *MethodNotFoundError
		timeout     *RequestTimeoutError
		invalid     *InvalidParamsError
		unavailable *supervisor.UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &notFound):
		return &wireError{Code: CodeMethodNotFound, Message: notFound.Error()}
	case errors.As(err, &timeout):
		return &wireError{Code: CodeRequestTimeout, Message: timeout.Error(), Data: map[string]any{
			"server":    timeout.Server,
			"timeoutMs": timeout.Timeout.Milliseconds(),
		}}
	case errors.As(err, &invalid):
		return &wireError{Code: CodeInvalidParams, Message: invalid.Error()}
	case errors.As(err, &unavailable):
		return &wireError{Code: CodeUpstreamUnavailable, Message: fmt.Sprintf("upstream server %q is unavailable", unavailable.Server), Data: map[string]any{
			"server": unavailable.Server,
			"state":  string(unavailable.State),
		}}
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		return &wireError{Code: CodeRequestCancelled, Message: "request cancelled"}
	default:
		return &wireError{Code: CodeInternalError, Message: err.Error()}
	}
}
