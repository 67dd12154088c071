// Package llm provides the model gateway: provider-neutral chat types, an
// OpenAI-compatible client, and the single process-wide retry policy.
package llm

import (
	"time"
)

// Message represents a chat message for the model. The transcript a turn
// accumulates is an ordered slice of these; roles distinguish system, user,
// assistant, and tool entries so the model can reconstruct causal order.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation requested by the model. ID is the
// provider-assigned correlation token and must be echoed back on the
// matching tool result.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from the model endpoint. All fields
// use proper Go types — wire format conversion happens at the provider
// boundary (openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested tool invocations.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}
