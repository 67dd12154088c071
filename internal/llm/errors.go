package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrModelUnavailable marks a turn-terminal gateway failure: every retry
// attempt failed. The wrapped chain carries the last underlying cause.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrMalformedResponse marks a protocol violation: the model endpoint
// answered successfully but the reply carried neither assistant text nor
// tool calls. Treated as a bug, not a transient fault — never retried.
var ErrMalformedResponse = errors.New("malformed model response")

// APIError is a non-2xx response from the model endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// DecodeError is a response body that could not be parsed. The connection
// delivered something, so a retry has a reasonable chance of succeeding.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsTransient reports whether an error from one model attempt is worth
// retrying: network failures, per-attempt timeouts, 5xx responses, and
// undecodable bodies. Anything else (4xx, cancellation) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Parent-context cancellation must never trigger a retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
