// Package upstream opens the byte stream of a chat completion. It knows
// nothing about frames; the stream package interprets the bytes.
package upstream

import (
	"context"
	"fmt"
	"io"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	AgentKind string
	Messages  []Message
}

// Client opens a streaming response body. The caller owns the returned
// ReadCloser and must close it.
type Client interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}
