package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Provider is one LLM backend. Implementations live under providers/.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Prompt is the provider-neutral request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int
}

const systemPrompt = `You are an on-call engineer diagnosing an application error.
Answer with a single JSON object and nothing else:
{"summary": "<one sentence>", "root_cause": "<most likely cause>", "steps": ["<remediation step>", ...]}
Keep steps concrete and ordered. Do not repeat the error text back.`

// BuildPrompt renders the analysis prompt for a fingerprint and its scrubbed
// representative sample.
func BuildPrompt(fingerprint, sample string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Error fingerprint: %s\n\n", fingerprint)
	b.WriteString("Representative occurrence (sensitive values redacted):\n")
	b.WriteString(sample)
	return Prompt{
		System:    systemPrompt,
		User:      b.String(),
		MaxTokens: 1024,
	}
}

// Advice is a parsed remediation suggestion.
type Advice struct {
	Summary   string   `json:"summary"`
	RootCause string   `json:"root_cause,omitempty"`
	Steps     []string `json:"steps,omitempty"`
	Provider  string   `json:"provider,omitempty"`
}

// ParseAdvice extracts structured advice from a provider reply. Replies that
// are not the expected JSON object (fenced, prefixed with prose, or plain
// text) degrade to a summary holding the trimmed text.
func ParseAdvice(raw, provider string) Advice {
	text := strings.TrimSpace(raw)
	if obj, ok := extractObject(text); ok {
		res := gjson.Parse(obj)
		if summary := res.Get("summary"); summary.Exists() {
			a := Advice{
				Summary:   summary.String(),
				RootCause: res.Get("root_cause").String(),
				Provider:  provider,
			}
			for _, step := range res.Get("steps").Array() {
				if s := strings.TrimSpace(step.String()); s != "" {
					a.Steps = append(a.Steps, s)
				}
			}
			return a
		}
	}
	return Advice{Summary: text, Provider: provider}
}

// Encode renders advice as the JSON document stored in the cache.
func (a Advice) Encode() string {
	doc := `{}`
	doc, _ = sjson.Set(doc, "summary", a.Summary)
	if a.RootCause != "" {
		doc, _ = sjson.Set(doc, "root_cause", a.RootCause)
	}
	if len(a.Steps) > 0 {
		doc, _ = sjson.Set(doc, "steps", a.Steps)
	}
	if a.Provider != "" {
		doc, _ = sjson.Set(doc, "provider", a.Provider)
	}
	return doc
}

// DecodeAdvice is the inverse of Encode. Truncated documents fall back to
// plain-text advice.
func DecodeAdvice(doc string) Advice {
	if !gjson.Valid(doc) {
		return Advice{Summary: doc}
	}
	return ParseAdvice(doc, gjson.Get(doc, "provider").String())
}

// String renders advice for terminals and logs.
func (a Advice) String() string {
	var b strings.Builder
	b.WriteString(a.Summary)
	if a.RootCause != "" {
		b.WriteString("\nRoot cause: ")
		b.WriteString(a.RootCause)
	}
	for i, s := range a.Steps {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, s)
	}
	return b.String()
}

func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	obj := text[start : end+1]
	return obj, gjson.Valid(obj)
}
