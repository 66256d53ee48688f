// Package supervisor runs one child process per MCP server definition and
// owns its stdio JSON-RPC channel.
//
// # Lifecycle
//
// Start spawns the declared command in its own process group, with the
// definition's environment merged over a minimal parent environment, and
// performs the MCP initialize handshake within Options.HandshakeTimeout.
// A Server then moves through
//
//	starting → ready → crashed | stopped
//
// with failed reachable from starting when the spawn, the handshake or an
// early exit goes wrong. Failed servers are never retried.
//
// # Calls
//
// Server.Call queues a request on the server's FIFO queue. A single actor
// goroutine writes one request at a time to the child and waits for its
// response, so frames for one server never interleave while calls on
// different servers proceed in parallel. A caller that gives up removes its
// queued call, or sends notifications/cancelled for an in-flight one; the
// child keeps running for everybody else.
//
// When a ready child exits on its own, every queued and in-flight call fails
// with *UpstreamUnavailableError and Options.OnStateChange reports the crash.
package supervisor
