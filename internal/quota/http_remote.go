package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRemote reads quota state from a service exposing
// GET <url>?identity=<id> → {"remaining":n,"total":n,"resetAt":"..."}.
type HTTPRemote struct {
	url    string
	client *http.Client
}

func NewHTTPRemote(rawURL string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &HTTPRemote{
		url:    strings.TrimSpace(rawURL),
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRemote) Fetch(ctx context.Context, identity string) (RemoteState, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return RemoteState{}, fmt.Errorf("parse quota url: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RemoteState{}, fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return RemoteState{}, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RemoteState{}, ErrNoRemoteState
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RemoteState{}, fmt.Errorf("quota status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out RemoteState
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return RemoteState{}, fmt.Errorf("decode quota response: %w", err)
	}
	return out, nil
}
