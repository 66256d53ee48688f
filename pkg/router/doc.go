// Package router serves the aggregated MCP surface over Streamable HTTP.
//
// One POST endpoint accepts JSON-RPC requests, notifications and batches.
// List methods are answered from the current aggregator table; tools/call,
// prompts/get, resources/read and completion/complete are forwarded to the
// child that owns the qualified name, with the name rewritten to the child's
// native one and the child's result relayed untouched. Progress
// notifications stream back as server-sent events when the client sent a
// progress token and accepts text/event-stream.
//
// Failures never leak across servers: a crashed or slow child only affects
// requests addressed to it, which fail with JSON-RPC codes -32001
// (upstream unavailable) and -32002 (request timeout).
package router
