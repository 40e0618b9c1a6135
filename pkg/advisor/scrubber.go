// scrubber.go redacts sensitive data before a sample leaves the process.

package advisor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ScrubberConfig controls scrubbing behavior and sample size.
type ScrubberConfig struct {
	// SensitiveKeys adds case-insensitive substrings that mark a Context key
	// as sensitive, on top of the built-in list.
	SensitiveKeys []string `yaml:"sensitive_keys"`

	// MaxMessageSize is the maximum length for error messages (default: 4096).
	MaxMessageSize int `yaml:"max_message_size"`

	// MaxStackTraceSize is the maximum length for stack traces (default: 8192).
	MaxStackTraceSize int `yaml:"max_stack_trace_size"`

	// MaxContextValueSize is the maximum length per Context value (default: 512).
	MaxContextValueSize int `yaml:"max_context_value_size"`

	// MaxContextEntries is how many Context entries a sample keeps (default: 32).
	MaxContextEntries int `yaml:"max_context_entries"`

	// MaxSampleBytes bounds the rendered representative sample (default: 4096).
	MaxSampleBytes int `yaml:"max_sample_bytes"`

	// DisableMessageScrubbing turns off secret/PII patterns in messages.
	DisableMessageScrubbing bool `yaml:"disable_message_scrubbing"`
}

// DefaultScrubberConfig returns production-safe defaults.
func DefaultScrubberConfig() ScrubberConfig {
	return ScrubberConfig{
		MaxMessageSize:      4096,
		MaxStackTraceSize:   8192,
		MaxContextValueSize: 512,
		MaxContextEntries:   32,
		MaxSampleBytes:      4096,
	}
}

// Compiled regex patterns for message scrubbing (compiled once at package init)
var messageScrubPatterns = []*regexp.Regexp{
	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token)[=:\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)(authorization|bearer)[=:\s]+['"]?[\w\-\.]+['"]?[\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),                                // OpenAI/Anthropic-style keys
	regexp.MustCompile(`(?i)gh[po]_[a-zA-Z0-9]{36}`),                               // GitHub tokens
	regexp.MustCompile(`(?i)github_pat_[a-zA-Z0-9_]{22,}`),                         // GitHub PAT
	regexp.MustCompile(`(?i)xox[baprs]-[a-zA-Z0-9\-]{10,}`),                        // Slack tokens
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), // JWT

	// Credentials, including inside connection strings
	regexp.MustCompile(`(?i)(password|passwd|secret|credential)[=:\s]+['"]?[^\s'",]+['"]?`),
	regexp.MustCompile(`(?i)://[^/\s:@]+:[^/\s@]+@`),

	// PII
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // Email
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                              // SSN
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),         // Credit card
}

// Sensitive key patterns (case-insensitive substring match)
var sensitiveKeyPatterns = []string{
	"token",
	"key",
	"secret",
	"password",
	"credential",
	"auth",
	"passwd",
	"cookie",
	"session",
}

// Path patterns to normalize in stack traces
var pathNormalizationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/home/[^/]+/`),
	regexp.MustCompile(`/Users/[^/]+/`),
	regexp.MustCompile(`C:\\Users\\[^\\]+\\`),
	regexp.MustCompile(`/tmp/[^/]+/`),
}

var stackAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

const redacted = "[REDACTED]"

// Scrubber redacts sensitive data. It is immutable and safe for concurrent use.
type Scrubber struct {
	cfg           ScrubberConfig
	sensitiveKeys []string
}

// NewScrubber creates a scrubber. Non-positive limits take defaults.
func NewScrubber(cfg ScrubberConfig) *Scrubber {
	def := DefaultScrubberConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxStackTraceSize <= 0 {
		cfg.MaxStackTraceSize = def.MaxStackTraceSize
	}
	if cfg.MaxContextValueSize <= 0 {
		cfg.MaxContextValueSize = def.MaxContextValueSize
	}
	if cfg.MaxContextEntries <= 0 {
		cfg.MaxContextEntries = def.MaxContextEntries
	}
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = def.MaxSampleBytes
	}

	keys := append([]string(nil), sensitiveKeyPatterns...)
	for _, k := range cfg.SensitiveKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return &Scrubber{cfg: cfg, sensitiveKeys: keys}
}

// ScrubMessage truncates msg and replaces secrets and PII.
func (s *Scrubber) ScrubMessage(msg string) string {
	if len(msg) > s.cfg.MaxMessageSize {
		msg = truncateWithMarker(msg, s.cfg.MaxMessageSize)
	}
	if s.cfg.DisableMessageScrubbing {
		return msg
	}
	for _, pattern := range messageScrubPatterns {
		msg = pattern.ReplaceAllString(msg, redacted)
	}
	return msg
}

// ScrubContext renders Context values as strings, redacting sensitive keys
// and scrubbing the rest like messages. Only the first MaxContextEntries keys
// in sorted order are kept.
func (s *Scrubber) ScrubContext(ctx map[string]any) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > s.cfg.MaxContextEntries {
		keys = keys[:s.cfg.MaxContextEntries]
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if s.isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		v := formatValue(ctx[k])
		if len(v) > s.cfg.MaxContextValueSize {
			v = truncateWithMarker(v, s.cfg.MaxContextValueSize)
		}
		out[k] = s.ScrubMessage(v)
	}
	return out
}

// ScrubStackTrace normalizes paths, masks addresses and limits size.
func (s *Scrubber) ScrubStackTrace(trace string) string {
	if trace == "" {
		return trace
	}
	for _, pattern := range pathNormalizationPatterns {
		trace = pattern.ReplaceAllString(trace, "/[PATH]/")
	}
	trace = stackAddrPattern.ReplaceAllString(trace, "0x...")
	if len(trace) > s.cfg.MaxStackTraceSize {
		trace = truncateWithMarker(trace, s.cfg.MaxStackTraceSize)
	}
	return trace
}

// ScrubJSON recursively scrubs a JSON document. Invalid JSON is fully
// redacted rather than passed through.
func (s *Scrubber) ScrubJSON(doc string) string {
	var data any
	if err := json.Unmarshal([]byte(doc), &data); err != nil {
		return "[REDACTED:SCRUB_ERROR]"
	}
	out, err := json.Marshal(s.scrubJSONValue(data))
	if err != nil {
		return "[REDACTED:SCRUB_ERROR]"
	}
	return truncateWithMarker(string(out), s.cfg.MaxContextValueSize)
}

func (s *Scrubber) scrubJSONValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			if s.isSensitiveKey(key) {
				result[key] = redacted
			} else {
				result[key] = s.scrubJSONValue(value)
			}
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, value := range v {
			result[i] = s.scrubJSONValue(value)
		}
		return result
	case string:
		return s.ScrubMessage(v)
	default:
		return v
	}
}

// BuildSample renders the scrubbed representative occurrence stored with a
// pending cache entry and sent to the provider. The result never exceeds
// MaxSampleBytes.
func (s *Scrubber) BuildSample(event ErrorEvent) string {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	line("kind", event.ErrorType)
	line("severity", string(event.Severity))
	line("message", s.ScrubMessage(event.Message))
	line("operation", event.Operation)
	line("agent", event.AgentName)
	line("tool", event.ToolName)
	if st := event.SystemState; st != nil {
		line("process", st.String())
	}

	if ctx := s.ScrubContext(event.Context); len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s=%s\n", k, ctx[k])
		}
	}

	if trace := s.ScrubStackTrace(event.StackTrace); trace != "" {
		b.WriteString("stack:\n")
		b.WriteString(trace)
	}

	return truncateWithMarker(strings.TrimRight(b.String(), "\n"), s.cfg.MaxSampleBytes)
}

func (s *Scrubber) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range s.sensitiveKeys {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}

const truncationMarker = "...[TRUNCATED]"

// truncateWithMarker cuts s to at most maxLen bytes ending in a marker,
// without splitting a UTF-8 sequence.
func truncateWithMarker(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncationMarker) {
		if maxLen < 0 {
			maxLen = 0
		}
		return truncationMarker[:maxLen]
	}
	cut := maxLen - len(truncationMarker)
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker
}
