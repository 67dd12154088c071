// Package agent implements the tool-calling conversation loop that turns a
// user message into a coached answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kbrandt/vigor/internal/llm"
	"github.com/kbrandt/vigor/internal/prompts"
)

// ToolRunner is the slice of the tool registry the loop needs.
type ToolRunner interface {
	Specs() []map[string]any
	Execute(ctx context.Context, userID int64, name string, args map[string]any) (string, error)
}

// Loop drives one conversation turn: it calls the model, resolves the tool
// calls the model asks for, feeds the results back, and repeats until the
// model answers in plain text or the round ceiling is hit.
type Loop struct {
	log           *slog.Logger
	llm           llm.Client
	tools         ToolRunner
	model         string
	system        string
	maxIterations int
}

// NewLoop builds a Loop. maxIterations bounds the number of model rounds in
// a single turn; values below 1 are clamped to 1.
func NewLoop(logger *slog.Logger, client llm.Client, tools ToolRunner, model, system string, maxIterations int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{
		log:           logger,
		llm:           client,
		tools:         tools,
		model:         model,
		system:        system,
		maxIterations: maxIterations,
	}
}

// Request is one user message to process.
type Request struct {
	UserID  int64
	Message string
}

// Response is the outcome of a turn. Degraded is set when the model backend
// could not be reached and Content holds a canned apology instead of an
// answer; callers always get a well-formed Response in that case, not an
// error.
type Response struct {
	Content  string
	Rounds   int
	Degraded bool
}

// Run processes one turn. The returned error is non-nil only for context
// cancellation; model-side failures surface as a degraded Response.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	sess := newSession(l.system, req.Message)
	specs := l.tools.Specs()

	for round := 1; round <= l.maxIterations; round++ {
		resp, err := l.llm.Chat(ctx, l.model, sess.messages, specs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.log.Error("model call failed", "round", round, "error", err)
			return &Response{Content: prompts.DegradedFallback, Rounds: round, Degraded: true}, nil
		}

		if !resp.HasToolCalls() {
			l.log.Debug("turn complete", "rounds", round,
				"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
			return &Response{Content: resp.Message.Content, Rounds: round}, nil
		}

		l.log.Debug("resolving tool calls", "round", round, "count", len(resp.Message.ToolCalls))
		sess.append(resp.Message)
		sess.append(l.resolveCalls(ctx, sess, req.UserID, resp.Message.ToolCalls)...)
	}

	l.log.Warn("round ceiling reached without a final answer",
		"user_id", req.UserID, "max_iterations", l.maxIterations)
	return &Response{Content: prompts.IterationFallback, Rounds: l.maxIterations}, nil
}

// resolveCalls executes one round's tool calls concurrently and returns the
// tool messages in the order the model requested them.
func (l *Loop) resolveCalls(ctx context.Context, sess *session, userID int64, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			out[i] = llm.Message{
				Role:       "tool",
				Content:    l.resolveOne(ctx, sess, userID, call),
				ToolCallID: call.ID,
			}
		}(i, call)
	}
	wg.Wait()
	return out
}

// resolveOne runs a single tool call through the session cache. Failures,
// including calls to tools that do not exist, become error payloads the
// model can react to on the next round.
func (l *Loop) resolveOne(ctx context.Context, sess *session, userID int64, call llm.ToolCall) string {
	name := call.Function.Name
	result, err := sess.getOrCompute(cacheKey(userID, name, call.Function.Arguments), func() (string, error) {
		return l.tools.Execute(ctx, userID, name, call.Function.Arguments)
	})
	if err != nil {
		l.log.Warn("tool call failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}
