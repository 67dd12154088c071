package llm

import "context"

// Client is the interface every model provider must implement.
type Client interface {
	// Chat sends one chat completion round-trip: the full transcript plus
	// the tool catalogue. The response carries either assistant text or a
	// list of tool calls.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
