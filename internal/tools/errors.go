// Package tools provides the tool registry and execution framework.
//
// This file defines error types for tool execution. Both are recoverable:
// the agent loop converts them into error payloads inside the tool result
// so the model can rephrase its request, rather than aborting the turn.
package tools

import "fmt"

// UnknownToolError is returned when a tool call targets a name that is not
// in the registry.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// InvalidArgumentsError is returned when a tool call's arguments fail the
// declared parameter schema (missing required field, wrong type).
type InvalidArgumentsError struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.ToolName, e.Reason)
}
