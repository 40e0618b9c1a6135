// Package anthropic implements client.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

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

// WithBaseURL points the SDK at a proxy or test server.
func WithBaseURL(url string) Option {
	return func(c *providerConfig) { c.baseURL = url }
}

// WithHTTPClient sets the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *providerConfig) { c.httpClient = hc }
}

// Provider calls Claude. Retries are left to the analysis client, so the SDK's
// own retry loop is disabled.
type Provider struct {
	name   string
	model  string
	client anthropic.Client
}

var _ client.Provider = (*Provider)(nil)

// New creates a provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	cfg := providerConfig{name: "anthropic", model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Provider{
		name:   cfg.name,
		model:  cfg.model,
		client: anthropic.NewClient(reqOpts...),
	}
}

// Name implements client.Provider.
func (p *Provider) Name() string { return p.name }

// Complete implements client.Provider.
func (p *Provider) Complete(ctx context.Context, prompt client.Prompt) (string, error) {
	maxTokens := int64(prompt.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &client.StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic: response %s has no text content", resp.ID)
	}
	return text.String(), nil
}
