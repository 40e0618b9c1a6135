// Package llmsdk implements client.Provider on the ai-llm-sdk client, so any
// backend the SDK routes to can serve analyses.
package llmsdk

import (
	"context"
	"fmt"
	"slices"
	"strings"

	llmconfig "github.com/strongdm/ai-llm-sdk/pkg/config"
	llm "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// Completer is the part of *llm.Client the provider uses.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

var _ Completer = (*llm.Client)(nil)

type providerConfig struct {
	name    string
	model   string
	backend llm.Provider
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

// WithModel sets the model ID. Empty leaves the choice to the SDK.
func WithModel(model string) Option {
	return func(c *providerConfig) { c.model = model }
}

// WithBackend routes requests to one SDK backend instead of the client default.
func WithBackend(backend string) Option {
	return func(c *providerConfig) { c.backend = llm.Provider(backend) }
}

// Provider sends analysis prompts through an llm.Client.
type Provider struct {
	name    string
	model   string
	backend llm.Provider
	client  Completer
}

var _ client.Provider = (*Provider)(nil)

// New wraps an existing SDK client.
func New(c Completer, opts ...Option) *Provider {
	cfg := providerConfig{name: "llmsdk"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		name:    cfg.name,
		model:   cfg.model,
		backend: cfg.backend,
		client:  c,
	}
}

// NewFromEnv builds the SDK client from the environment (OPENAI_API_KEY,
// ANTHROPIC_API_KEY and friends) and wraps it.
func NewFromEnv(opts ...Option) (*Provider, error) {
	c, err := llmconfig.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("llmsdk: client from env: %w", err)
	}
	return New(c, opts...), nil
}

// Name implements client.Provider.
func (p *Provider) Name() string { return p.name }

// Complete implements client.Provider.
func (p *Provider) Complete(ctx context.Context, prompt client.Prompt) (string, error) {
	req := llm.Request{
		Model:    p.model,
		Provider: p.backend,
	}
	if prompt.System != "" {
		req.Messages = append(req.Messages, withText(llm.Message{Role: "system"}, prompt.System))
	}
	req.Messages = append(req.Messages, withText(llm.Message{Role: "user"}, prompt.User))

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llmsdk: %w", err)
	}

	text := messageText(resp.Message)
	if text == "" {
		return "", fmt.Errorf("llmsdk: response from %s has no text content", resp.Model)
	}
	return text, nil
}

// withText gives msg a single text part.
func withText(msg llm.Message, text string) llm.Message {
	msg.Parts = slices.Grow(msg.Parts, 1)[:1]
	msg.Parts[0].Text = text
	return msg
}

func messageText(msg llm.Message) string {
	var b strings.Builder
	for _, part := range msg.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}
