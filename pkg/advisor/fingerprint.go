// fingerprint.go derives stable deduplication keys for error events.

package advisor

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// regularPrefix marks fingerprints computed from normalized fields.
	regularPrefix = "fp:"

	// fallbackPrefix marks fingerprints of events with nothing usable to
	// normalize. The two key spaces never collide.
	fallbackPrefix = "un:"

	unknownMarker   = "unknown-error"
	fallbackRawSize = 64

	// maxStackScan bounds how much of a stack trace is searched for frames.
	maxStackScan = 16 << 10
)

// FingerprintConfig bounds the work done per event.
type FingerprintConfig struct {
	// MaxMessageLength is the number of runes of the message kept before
	// normalization (default: 500).
	MaxMessageLength int `yaml:"max_message_length"`

	// MaxContextKeys is how many sorted Context keys contribute (default: 5).
	MaxContextKeys int `yaml:"max_context_keys"`

	// MaxStackFrames is how many leading stack frames contribute (default: 3).
	MaxStackFrames int `yaml:"max_stack_frames"`
}

// DefaultFingerprintConfig returns the default limits.
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{
		MaxMessageLength: 500,
		MaxContextKeys:   5,
		MaxStackFrames:   3,
	}
}

// Fingerprinter computes fingerprints. It is immutable and safe for
// concurrent use.
type Fingerprinter struct {
	cfg FingerprintConfig
}

// NewFingerprinter creates a Fingerprinter. Non-positive limits take defaults.
func NewFingerprinter(cfg FingerprintConfig) *Fingerprinter {
	def := DefaultFingerprintConfig()
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.MaxContextKeys <= 0 {
		cfg.MaxContextKeys = def.MaxContextKeys
	}
	if cfg.MaxStackFrames <= 0 {
		cfg.MaxStackFrames = def.MaxStackFrames
	}
	return &Fingerprinter{cfg: cfg}
}

var defaultFingerprinter = NewFingerprinter(DefaultFingerprintConfig())

// Fingerprint computes a fingerprint with the default limits.
func Fingerprint(event ErrorEvent) string {
	return defaultFingerprinter.Fingerprint(event)
}

// Fingerprint returns a fixed-length key for event. The key is built from:
//   - the error kind, trimmed and lower-cased
//   - the message, truncated and then stripped of numbers, hex values,
//     UUIDs and quoted literals
//   - the first MaxContextKeys sorted Context keys (not values)
//   - the first MaxStackFrames function names of the stack trace
//
// It never panics. Events with neither kind nor message, or with invalid
// UTF-8, get a fallback key in a separate key space.
func (f *Fingerprinter) Fingerprint(event ErrorEvent) (fp string) {
	defer func() {
		if r := recover(); r != nil {
			fp = fallbackFingerprint(event)
		}
	}()

	if !utf8.ValidString(event.ErrorType) || !utf8.ValidString(event.Message) {
		return fallbackFingerprint(event)
	}

	kind := strings.ToLower(strings.TrimSpace(truncateRunes(event.ErrorType, f.cfg.MaxMessageLength)))
	msg := normalizeMessage(truncateRunes(event.Message, f.cfg.MaxMessageLength))
	if kind == "" && msg == "" {
		return fallbackFingerprint(event)
	}

	parts := []string{
		"k=" + kind,
		"m=" + msg,
		"c=" + strings.Join(topContextKeys(event.Context, f.cfg.MaxContextKeys), ","),
		"s=" + strings.Join(normalizeStackTrace(event.StackTrace, f.cfg.MaxStackFrames), ","),
	}
	return regularPrefix + hashHex(strings.Join(parts, "|"))
}

// IsFallbackFingerprint reports whether fp came from the fallback path.
func IsFallbackFingerprint(fp string) bool {
	return strings.HasPrefix(fp, fallbackPrefix)
}

// fallbackFingerprint hashes the unknown marker with a short prefix of the raw
// text, so unknown errors spread over a bounded number of buckets.
func fallbackFingerprint(event ErrorEvent) string {
	raw := event.ErrorType + "\x00" + event.Message
	if strings.TrimSpace(event.ErrorType) == "" && strings.TrimSpace(event.Message) == "" {
		raw = event.StackTrace
	}
	if len(raw) > fallbackRawSize {
		raw = raw[:fallbackRawSize]
	}
	return fallbackPrefix + hashHex(unknownMarker+"|"+raw)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Message normalization patterns, applied in order.
var (
	uuidPattern    = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexAddrPattern = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`)
	longHexPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{16,}\b`)
	quotedPattern  = regexp.MustCompile("\"[^\"]*\"|'[^']*'|`[^`]*`")
	numberPattern  = regexp.MustCompile(`\b\d+(?:\.\d+)?([a-zA-Z]{0,3})\b`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

func normalizeMessage(msg string) string {
	msg = uuidPattern.ReplaceAllString(msg, "<uuid>")
	msg = hexAddrPattern.ReplaceAllString(msg, "<hex>")
	msg = longHexPattern.ReplaceAllString(msg, "<hex>")
	msg = quotedPattern.ReplaceAllString(msg, "<str>")
	msg = numberPattern.ReplaceAllString(msg, "<n>${1}")
	msg = spacePattern.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// topContextKeys returns the n smallest keys of ctx in sorted order. It keeps
// a bounded sorted window instead of sorting every key, so a huge context map
// costs O(len(ctx)*n).
func topContextKeys(ctx map[string]any, n int) []string {
	if len(ctx) == 0 || n <= 0 {
		return nil
	}
	keys := make([]string, 0, n)
	for k := range ctx {
		if len(keys) == n && k >= keys[n-1] {
			continue
		}
		i := sort.SearchStrings(keys, k)
		if len(keys) < n {
			keys = append(keys, "")
		}
		copy(keys[i+1:], keys[i:len(keys)-1])
		keys[i] = k
	}
	return keys
}

// Regex patterns for stack trace parsing
var (
	// Match function names like "main.doSomething" or "pkg/subpkg.Function"
	funcNamePattern = regexp.MustCompile(`^([a-zA-Z0-9_./*()\-]+\.[a-zA-Z0-9_]+)`)

	// Match memory addresses like "0x1234abcd"
	memAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

	// Match offset patterns like "+0x123"
	offsetPattern = regexp.MustCompile(`\+0x[0-9a-fA-F]+`)
)

// normalizeStackTrace extracts the first n function names from a Go stack
// trace, skipping goroutine headers and file:line lines.
func normalizeStackTrace(trace string, n int) []string {
	if trace == "" {
		return nil
	}
	if len(trace) > maxStackScan {
		trace = trace[:maxStackScan]
	}

	var frames []string
	for _, line := range strings.Split(trace, "\n") {
		if strings.HasPrefix(line, "\t") {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "goroutine ") || strings.HasPrefix(line, "/") {
			continue
		}

		line = offsetPattern.ReplaceAllString(line, "")
		line = memAddrPattern.ReplaceAllString(line, "")
		if idx := strings.LastIndex(line, "("); idx > 0 && strings.HasSuffix(line, ")") {
			line = line[:idx]
		}

		if match := funcNamePattern.FindString(strings.TrimSpace(line)); match != "" && !skipFrame(match) {
			frames = append(frames, match)
			if len(frames) >= n {
				break
			}
		}
	}
	return frames
}

// Runtime and capture-helper frames are the same for every panic and are
// skipped.
var skipFramePrefixes = []string{
	"runtime.",
	"runtime/debug.",
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor",
}

func skipFrame(fn string) bool {
	for _, p := range skipFramePrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
