// Package tools exposes the tools of an MCP server to the agent loop.
//
// This file defines the error types returned by the registry and the
// dispatcher.
package tools

import "fmt"

// UnknownToolError is returned when a call names a tool that is not in
// the registry of the current session. No tools/call request is sent.
// Callers should treat it as a capability mismatch, not a transient
// failure.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.Name)
}

// ToolInvocationError is returned when a tool call still fails after
// the session was re-established and the call retried once. It is
// fatal for the tool call; the agent loop reports it to the model
// instead of inventing a result.
type ToolInvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q failed after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }
