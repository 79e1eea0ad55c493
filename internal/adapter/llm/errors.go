package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// StatusError is a non-200 reply from the backend.
type StatusError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("LLM API error [%d]: %s (type: %s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("LLM API error [%d]: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error.Message, Type: errResp.Error.Type}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
}

// IsRetryable classifies transient backend failures: connection and
// timeout errors, truncated bodies and retryable statuses.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
