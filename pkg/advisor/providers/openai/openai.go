// Package openai implements client.Provider for OpenAI-compatible
// chat-completions endpoints (OpenAI, Gemini's OpenAI endpoint, Ollama, vLLM).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

const (
	// DefaultBaseURL is the public OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	maxErrorBody = 512
	maxReplyBody = 1 << 20
)

type providerConfig struct {
	name       string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Option configures the provider.
type Option func(*providerConfig)

// WithName overrides the provider name used for breakers and rate limits.
func WithName(name string) Option {
	return func(c *providerConfig) {
		if name != "" {
			c.name = name
		}
	}
}

// WithModel sets the model ID.
func WithModel(model string) Option {
	return func(c *providerConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL sets the API root; "/chat/completions" is appended.
func WithBaseURL(url string) Option {
	return func(c *providerConfig) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *providerConfig) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Provider speaks the chat-completions wire format.
type Provider struct {
	cfg    providerConfig
	apiKey string
}

var _ client.Provider = (*Provider)(nil)

// New creates a provider. apiKey may be empty for local servers.
func New(apiKey string, opts ...Option) *Provider {
	cfg := providerConfig{
		name:       "openai",
		model:      DefaultModel,
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{cfg: cfg, apiKey: apiKey}
}

// Name implements client.Provider.
func (p *Provider) Name() string { return p.cfg.name }

// Complete implements client.Provider.
func (p *Provider) Complete(ctx context.Context, prompt client.Prompt) (string, error) {
	body, err := p.requestBody(prompt)
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.cfg.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = truncate(string(data), maxErrorBody)
		}
		return "", &client.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() || content.String() == "" {
		return "", fmt.Errorf("openai: response has no message content")
	}
	return content.String(), nil
}

func (p *Provider) requestBody(prompt client.Prompt) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var messages []message
	if prompt.System != "" {
		messages = append(messages, message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, message{Role: "user", Content: prompt.User})

	set("model", p.cfg.model)
	set("messages", messages)
	if prompt.MaxTokens > 0 {
		set("max_tokens", prompt.MaxTokens)
	}
	set("temperature", 0.2)
	return body, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
