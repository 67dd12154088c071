package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kbrandt/vigor/internal/llm"
	"github.com/kbrandt/vigor/internal/prompts"
	"github.com/kbrandt/vigor/internal/tools"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})

	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

// stubTools counts executions per tool name so tests can assert that the
// session cache prevented duplicate provider work.
type stubTools struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]string
}

func newStubTools(results map[string]string) *stubTools {
	return &stubTools{calls: make(map[string]int), results: results}
}

func (s *stubTools) Specs() []map[string]any {
	specs := make([]map[string]any, 0, len(s.results))
	for name := range s.results {
		specs = append(specs, map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		})
	}
	return specs
}

func (s *stubTools) Execute(_ context.Context, _ int64, name string, _ map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	r, ok := s.results[name]
	if !ok {
		return "", &tools.UnknownToolError{ToolName: name}
	}
	return r, nil
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func assistantToolCalls(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", ToolCalls: calls},
	}
}

func assistantText(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", Content: content},
	}
}

func buildTestLoop(mock *mockLLM, st *stubTools) *Loop {
	return NewLoop(slog.New(slog.NewTextHandler(io.Discard, nil)), mock, st, "test-model", "You are a test coach.", 5)
}

func TestRun_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		assistantText("Hi! Ready to train?"),
	}}
	loop := buildTestLoop(mock, newStubTools(nil))

	resp, err := loop.Run(context.Background(), Request{UserID: 1, Message: "hello"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != "Hi! Ready to train?" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", resp.Rounds)
	}
	if resp.Degraded {
		t.Error("degraded should be false")
	}
	if len(mock.calls) != 1 {
		t.Errorf("model calls = %d, want 1", len(mock.calls))
	}
}

func TestRun_MultiRoundToolCalls(t *testing.T) {
	// Round 1: model asks for the date. Round 2: model asks for records.
	// Round 3: final answer.
	mock := &mockLLM{responses: []*llm.ChatResponse{
		assistantToolCalls(toolCall("call-1", "current_date", nil)),
		assistantToolCalls(toolCall("call-2", "fitness_records", map[string]any{"start_date": "2026-08-25"})),
		assistantText("You trained chest twice this week."),
	}}
	st := newStubTools(map[string]string{
		"current_date":    "Today is 2026-08-31 (Monday).",
		"fitness_records": "Found 2 workout record(s).",
	})
	loop := buildTestLoop(mock, st)

	resp, err := loop.Run(context.Background(), Request{UserID: 7, Message: "what did I train this week?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != "You trained chest twice this week." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Rounds != 3 {
		t.Errorf("rounds = %d, want 3", resp.Rounds)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("model calls = %d, want 3", len(mock.calls))
	}
	if st.calls["current_date"] != 1 || st.calls["fitness_records"] != 1 {
		t.Errorf("tool calls = %v, want one each", st.calls)
	}

	// The final call's transcript must carry both tool results, in order.
	last := mock.calls[2].Messages
	var toolResults []llm.Message
	for _, m := range last {
		if m.Role == "tool" {
			toolResults = append(toolResults, m)
		}
	}
	if len(toolResults) != 2 {
		t.Fatalf("tool messages in final transcript = %d, want 2", len(toolResults))
	}
	if toolResults[0].ToolCallID != "call-1" || toolResults[1].ToolCallID != "call-2" {
		t.Errorf("tool results out of order: %q, %q", toolResults[0].ToolCallID, toolResults[1].ToolCallID)
	}
	if toolResults[0].Content != "Today is 2026-08-31 (Monday)." {
		t.Errorf("tool result content = %q", toolResults[0].Content)
	}
}

func TestRun_CeilingFallback(t *testing.T) {
	// The model never stops asking for tools. After maxIterations rounds
	// the loop must return the fallback without another model call.
	var responses []*llm.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, assistantToolCalls(toolCall(fmt.Sprintf("call-%d", i), "current_date", map[string]any{"n": float64(i)})))
	}
	mock := &mockLLM{responses: responses}
	st := newStubTools(map[string]string{"current_date": "Today is 2026-08-31 (Monday)."})
	loop := buildTestLoop(mock, st)

	resp, err := loop.Run(context.Background(), Request{UserID: 1, Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 5 {
		t.Errorf("model calls = %d, want exactly 5", len(mock.calls))
	}
	if resp.Content != prompts.IterationFallback {
		t.Errorf("content = %q, want iteration fallback", resp.Content)
	}
	if resp.Rounds != 5 {
		t.Errorf("rounds = %d, want 5", resp.Rounds)
	}
	if resp.Degraded {
		t.Error("ceiling fallback is not a degraded outcome")
	}
}

func TestRun_UnknownToolContinues(t *testing.T) {
	// A call to a tool that does not exist becomes an error payload the
	// model sees on the next round; the turn still completes.
	mock := &mockLLM{responses: []*llm.ChatResponse{
		assistantToolCalls(toolCall("call-1", "body_fat_scanner", nil)),
		assistantText("I don't have that capability, but I can check your records."),
	}}
	st := newStubTools(map[string]string{"current_date": "Today is 2026-08-31 (Monday)."})
	loop := buildTestLoop(mock, st)

	resp, err := loop.Run(context.Background(), Request{UserID: 1, Message: "scan my body fat"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(mock.calls))
	}
	if resp.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", resp.Rounds)
	}

	var payload string
	for _, m := range mock.calls[1].Messages {
		if m.Role == "tool" && m.ToolCallID == "call-1" {
			payload = m.Content
		}
	}
	if !strings.Contains(payload, "unknown tool") || !strings.Contains(payload, "body_fat_scanner") {
		t.Errorf("error payload = %q, want unknown tool mention", payload)
	}
}

func TestRun_CacheDeduplicatesToolCalls(t *testing.T) {
	// The same call twice in one round and again in a later round must hit
	// the provider exactly once.
	args := map[string]any{"start_date": "2026-08-01", "end_date": "2026-08-31"}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		assistantToolCalls(
			toolCall("call-1", "fitness_records", args),
			toolCall("call-2", "fitness_records", args),
		),
		assistantToolCalls(toolCall("call-3", "fitness_records", args)),
		assistantText("August was a strong month."),
	}}
	st := newStubTools(map[string]string{"fitness_records": "Found 12 workout record(s)."})
	loop := buildTestLoop(mock, st)

	resp, err := loop.Run(context.Background(), Request{UserID: 1, Message: "summarize August"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if st.calls["fitness_records"] != 1 {
		t.Errorf("provider executions = %d, want 1", st.calls["fitness_records"])
	}

	// All three tool messages still appear in the transcript.
	var toolMsgs int
	for _, m := range mock.calls[2].Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 3 {
		t.Errorf("tool messages = %d, want 3", toolMsgs)
	}
	if resp.Content != "August was a strong month." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestRun_DegradedOnModelFailure(t *testing.T) {
	mock := &mockLLM{err: fmt.Errorf("%w: connection refused", llm.ErrModelUnavailable)}
	loop := buildTestLoop(mock, newStubTools(nil))

	resp, err := loop.Run(context.Background(), Request{UserID: 1, Message: "hello"})
	if err != nil {
		t.Fatalf("Run() should not return an error on model failure, got %v", err)
	}
	if !resp.Degraded {
		t.Error("degraded should be true")
	}
	if resp.Content != prompts.DegradedFallback {
		t.Errorf("content = %q, want degraded fallback", resp.Content)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &mockLLM{err: context.Canceled}
	loop := buildTestLoop(mock, newStubTools(nil))

	_, err := loop.Run(ctx, Request{UserID: 1, Message: "hello"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCacheKey_ArgumentOrderInsensitive(t *testing.T) {
	a := cacheKey(1, "fitness_records", map[string]any{"start_date": "2026-08-01", "end_date": "2026-08-31"})
	b := cacheKey(1, "fitness_records", map[string]any{"end_date": "2026-08-31", "start_date": "2026-08-01"})
	if a != b {
		t.Errorf("keys differ for equivalent arguments: %q vs %q", a, b)
	}
	c := cacheKey(1, "fitness_records", map[string]any{"start_date": "2026-08-02", "end_date": "2026-08-31"})
	if a == c {
		t.Error("keys collide for different arguments")
	}
	if a == cacheKey(2, "fitness_records", map[string]any{"start_date": "2026-08-01", "end_date": "2026-08-31"}) {
		t.Error("keys collide across users")
	}
}
