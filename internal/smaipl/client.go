// Package smaipl talks to the SMAIPL summarization backend.
package smaipl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

// AuthMode selects how the API key is attached.
type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
	AuthNone   AuthMode = "none"
)

// Options configures a Client.
type Options struct {
	Endpoint   string
	Payload    PayloadOptions
	Auth       AuthMode
	AuthHeader string
	APIKey     string
	Timeout    time.Duration
	Rules      Rules
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Response is a successful backend answer.
type Response struct {
	Text    string
	Matched bool
	Status  int
}

// Client performs single summarization attempts. Retries are the caller's
// concern.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     logrus.FieldLogger
}

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("smaipl endpoint is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.Auth == "" {
		opts.Auth = AuthNone
	}
	if opts.AuthHeader == "" {
		opts.AuthHeader = "X-API-Key"
	}
	if len(opts.Rules) == 0 {
		opts.Rules = ParseRules("choices.0.message.content,done,answer,text,result,summary")
	}
	if _, err := BuildPayload(opts.Payload, Request{}); err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{opts: opts, httpClient: httpClient, logger: logger}, nil
}

// Summarize sends one request and extracts the answer.
func (c *Client) Summarize(ctx context.Context, req Request) (Response, error) {
	payload, err := BuildPayload(c.opts.Payload, req)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create smaipl request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.RunID != "" {
		httpReq.Header.Set("X-Request-ID", req.RunID)
	}
	switch c.opts.Auth {
	case AuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	case AuthHeader:
		httpReq.Header.Set(c.opts.AuthHeader, c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("smaipl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("failed reading smaipl response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"run_id":     req.RunID,
		"chat_id":    req.ChatID,
		"status":     resp.StatusCode,
		"latency_ms": time.Since(start).Milliseconds(),
		"bytes":      len(body),
	}).Debug("smaipl response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	text, matched := c.opts.Rules.Extract(body)
	if !matched {
		c.logger.WithFields(logrus.Fields{
			"run_id": req.RunID,
			"body":   truncate(string(body), 400),
		}).Warn("smaipl response had no known answer field; using raw body")
	}
	return Response{Text: text, Matched: matched, Status: resp.StatusCode}, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
