package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const jsonSchemaUnsupported = "does not support response format `json_schema`"

type OpenAIConfig struct {
	// Name labels the backend in results and metrics ("local", "hosted").
	Name       string
	BaseURL    string
	APIKey     string
	RequireKey bool
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAIBackend talks to an OpenAI-compatible /v1/chat/completions
// endpoint. Transient statuses (429, 503, 504) and transport errors are
// retried with capped exponential backoff. When the server rejects the
// json_schema response format it falls back to json_object.
type OpenAIBackend struct {
	name       string
	baseURL    string
	apiKey     string
	maxRetries int
	client     *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.RequireKey && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "openai"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIBackend{
		name:       name,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxRetries: cfg.MaxRetries,
		client:     client,
		sleep:      sleepContext,
	}, nil
}

func (b *OpenAIBackend) Name() string {
	return b.name
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Completion) (string, error) {
	format := ""
	if req.JSON {
		format = "json_schema"
	}
	status, body, err := b.post(ctx, buildChatPayload(req, format))
	if err != nil {
		return "", err
	}
	if status == http.StatusBadRequest && req.JSON && strings.Contains(string(body), jsonSchemaUnsupported) {
		status, body, err = b.post(ctx, buildChatPayload(req, "json_object"))
		if err != nil {
			return "", err
		}
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: chat completion failed status=%d body=%s", ErrBackendUnavailable, status, truncate(string(body), 500))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode chat completion response: %v", ErrBackendUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (b *OpenAIBackend) post(ctx context.Context, payload map[string]any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return 0, nil, fmt.Errorf("build chat request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if b.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
		}

		resp, err := b.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, transportError(ctx.Err())
			}
			lastErr = err
			if attempt < b.maxRetries {
				if err := b.sleep(ctx, backoff(attempt, time.Second, 6*time.Second)); err != nil {
					return 0, nil, transportError(err)
				}
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return 0, nil, transportError(fmt.Errorf("read chat response body: %w", err))
		}
		if retryableStatus(resp.StatusCode) && attempt < b.maxRetries {
			if err := b.sleep(ctx, backoff(attempt, 2*time.Second, 8*time.Second)); err != nil {
				return 0, nil, transportError(err)
			}
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, transportError(fmt.Errorf("request chat completion: %w", lastErr))
}

func buildChatPayload(req Completion, format string) map[string]any {
	system := req.System
	if format == "json_object" {
		system += "\n\nReturn ONLY a valid JSON object. No prose, no markdown, no code fences.\n" +
			`The JSON must contain key "sql" (string) and optional "assumptions" (array of strings).` + "\n" +
			"Do not include any other keys.\n"
	}
	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": req.User},
		},
		"temperature": req.Temperature,
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	switch format {
	case "json_schema":
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "text_to_sql",
				"strict": false,
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sql":         map[string]any{"type": "string"},
						"assumptions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required":             []string{"sql"},
					"additionalProperties": false,
				},
			},
		}
	case "json_object":
		payload["response_format"] = map[string]any{"type": "json_object"}
	}
	return payload
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// backoff doubles base per attempt and caps the result.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
