package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryClient wraps a Client with the single process-wide retry policy.
// Transient failures (see [IsTransient]) are retried with exponential
// backoff: the delay starts at baseDelay and doubles after each attempt.
// When every attempt fails, the returned error wraps [ErrModelUnavailable]
// together with the last underlying cause.
//
// A successful response carrying neither text nor tool calls is a protocol
// violation and fails with [ErrMalformedResponse] without retrying —
// placing the check here makes "malformed is never retried" structural
// rather than a property of the call site.
type RetryClient struct {
	base       Client
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	// sleep is replaceable in tests. Returns false if ctx was cancelled.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRetryClient wraps base. maxRetries counts additional attempts after
// the first; baseDelay is the initial backoff.
func NewRetryClient(base Client, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *RetryClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{
		base:       base,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Chat performs one logical model round-trip, retrying transient failures.
func (c *RetryClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying model call",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", delay.String(),
				"error", lastErr,
			)
			if !c.sleep(ctx, delay) {
				return nil, ctx.Err()
			}
			delay *= 2
		}

		resp, err := c.base.Chat(ctx, model, messages, tools)
		if err == nil {
			if resp.Message.Content == "" && !resp.HasToolCalls() {
				return nil, ErrMalformedResponse
			}
			return resp, nil
		}

		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrModelUnavailable, c.maxRetries+1, lastErr)
}

// Ping passes through to the underlying client without retry.
func (c *RetryClient) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}

// sleepCtx waits for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
