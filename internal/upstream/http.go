package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/streamchat/internal/reliability"
)

const errorExcerptBytes = 4 << 10

// HTTPClient posts OpenAI-style streaming chat completion requests.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPClient(url, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
		client: &http.Client{
			// No overall timeout: bodies stream for minutes. Stalls are
			// bounded per read by the caller.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

func (c *HTTPClient) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload, err := json.Marshal(completionRequest{Model: model, Stream: true, Messages: req.Messages})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, errorExcerptBytes))
		return nil, &StatusError{
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return res.Body, nil
}
