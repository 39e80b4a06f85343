// Package openaicompat adapts any OpenAI-compatible chat completions
// endpoint into an arbiter client. It covers hosted gateways and local
// servers alike; anything that speaks POST /v1/chat/completions works.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config locates the completions endpoint. Model is required; everything
// else has a default.
type Config struct {
	BaseURL     string
	Path        string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// MaxRetries re-sends a judgment after a transient failure this many
	// times. Zero uses the default; negative disables retries.
	MaxRetries int

	ExtraHeaders map[string]string
}

// Client implements arbiter.Client over HTTP.
type Client struct {
	cfg        Config
	maxRetries int
	retry      retryPolicy
	http       *http.Client
}

const (
	defaultBaseURL        = "http://127.0.0.1:1234"
	defaultPath           = "/v1/chat/completions"
	defaultRequestTimeout = 2 * time.Minute
)

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		cfg:        cfg,
		maxRetries: retries,
		retry:      defaultRetryPolicy(),
		http:       &http.Client{Timeout: 0},
	}
}

const systemPrompt = "You are a strict story arbiter. You judge story checkpoints and reply with a single JSON object, no prose."

// Judge sends the prompt and returns the first choice's message content.
// Transient failures (retryable statuses, transport errors) are retried
// with backoff inside the deadline; everything else surfaces immediately.
func (c *Client) Judge(ctx context.Context, prompt string) (string, error) {
	requestCtx, cancel := withDefaultDeadline(ctx, c.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			seed := fmt.Sprintf("%s:%d", prompt, attempt)
			if err := sleepCtx(requestCtx, delayForAttempt(attempt, c.retry, seed)); err != nil {
				return "", lastErr
			}
		}
		reply, retryable, err := c.judgeOnce(requestCtx, prompt)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable || attempt >= c.maxRetries {
			return "", err
		}
	}
}

func (c *Client) judgeOnce(ctx context.Context, prompt string) (reply string, retryable bool, err error) {
	body := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
	}
	if c.cfg.Temperature > 0 {
		body["temperature"] = c.cfg.Temperature
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", true, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode, Body: summarizeBody(raw)}
		return "", se.Retryable(), se
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("chat.completions decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("chat.completions response missing choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// StatusError reports a non-2xx completions reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := e.Body
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("chat.completions error (status=%d): %s", e.Status, msg)
}

// Retryable reports whether the status is worth retrying: rate limits,
// timeouts and server trouble are, everything else is not.
func (e *StatusError) Retryable() bool {
	switch e.Status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func summarizeBody(raw []byte) string {
	var doc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil && strings.TrimSpace(doc.Error.Message) != "" {
		return strings.TrimSpace(doc.Error.Message)
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func withDefaultDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), d)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
