package smaipl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Pusher forwards produced summaries to an optional downstream endpoint.
type Pusher struct {
	url        string
	bearer     string
	httpClient *http.Client
}

// NewPusher returns nil when url is empty.
func NewPusher(url, bearer string, timeout time.Duration) *Pusher {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pusher{url: url, bearer: bearer, httpClient: &http.Client{Timeout: timeout}}
}

// Push posts {"summary": ..., "meta": ...}.
func (p *Pusher) Push(ctx context.Context, summary string, meta map[string]any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"summary": summary, "meta": meta})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearer)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("summary push failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 400)}
	}
	return nil
}
