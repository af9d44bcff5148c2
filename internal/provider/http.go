// Package provider holds the inference backends: an HTTP client for
// OpenAI-compatible APIs (the deep tier), a variant of it pointed at a local
// server (the rote tier), and a static provider for offline operation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// HTTPConfig configures an OpenAI-compatible HTTP provider.
type HTTPConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	System  string // optional system prompt prepended to every call
}

// HTTPProvider talks to a /chat/completions endpoint. Rate-limit responses
// are retried with exponential backoff inside the per-call deadline.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

const rateLimitRetries = 3

// NewHTTPProvider creates a provider. Timeout defaults to 120s.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the provider in logs and results.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt and returns the completion with its token usage.
func (p *HTTPProvider) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerateResult, error) {
	if p.cfg.BaseURL == "" {
		return types.GenerateResult{}, fmt.Errorf("provider %s: base URL not configured", p.cfg.Name)
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	var messages []chatMessage
	if p.cfg.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.cfg.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return types.GenerateResult{}, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= rateLimitRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return types.GenerateResult{}, ctx.Err()
			}
		}

		result, retryable, err := p.doRequest(ctx, body)
		if err == nil {
			result.Duration = time.Since(start)
			logging.ProviderDebug("%s completed in %s (%d tokens)", p.cfg.Name, result.Duration, result.TokensUsed)
			return result, nil
		}
		if !retryable {
			return types.GenerateResult{}, err
		}
		lastErr = err
		logging.Provider("%s attempt %d retryable: %v", p.cfg.Name, attempt+1, err)
	}
	return types.GenerateResult{}, fmt.Errorf("provider %s: retries exceeded: %w", p.cfg.Name, lastErr)
}

// doRequest performs one HTTP round trip. The second return marks retryable
// failures (rate limit, transport errors).
func (p *HTTPProvider) doRequest(ctx context.Context, body []byte) (types.GenerateResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.GenerateResult{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.GenerateResult{}, false, ctx.Err()
		}
		return types.GenerateResult{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.GenerateResult{}, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return types.GenerateResult{}, true, fmt.Errorf("rate limit exceeded (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return types.GenerateResult{}, false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return types.GenerateResult{}, false, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return types.GenerateResult{}, false, fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return types.GenerateResult{}, false, fmt.Errorf("no completion returned")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateTokens(text)
	}
	return types.GenerateResult{Text: text, TokensUsed: tokens}, false, nil
}

// estimateTokens approximates usage when the server omits it. Local servers
// often do. Four characters per token is the usual rough cut.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
