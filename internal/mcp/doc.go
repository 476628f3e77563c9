// Package mcp implements the client side of the Model Context Protocol.
//
// A Manager owns the session with one MCP server. Each session runs on
// its own Transport: StreamTransport (an SSE event stream plus POSTs
// to the announced message endpoint) or StdioTransport (a subprocess
// speaking newline-delimited JSON-RPC). An RPCClient multiplexes
// JSON-RPC requests over the transport, and Client wraps it with the
// typed MCP operations: initialize, tools/list, tools/call,
// resources/list, and ping.
//
// Session loss surfaces as *SessionExpiredError. The manager never
// reconnects behind a caller's back; callers invoke Reestablish with
// the session id they saw fail, and concurrent callers share one
// handshake.
package mcp
