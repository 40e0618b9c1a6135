// Package stderr provides a sink that prints advice in human-readable form.
// Useful for development and for the advisorctl storm command.
package stderr

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// StderrSinkOption configures the stderr sink.
type StderrSinkOption func(*stderrSinkConfig)

type stderrSinkConfig struct {
	verbose bool
	out     io.Writer
	color   bool
}

// WithVerbose also prints the scrubbed sample for each event.
func WithVerbose() StderrSinkOption {
	return func(c *stderrSinkConfig) {
		c.verbose = true
	}
}

// WithWriter redirects output (default: os.Stderr).
func WithWriter(w io.Writer) StderrSinkOption {
	return func(c *stderrSinkConfig) {
		if w != nil {
			c.out = w
		}
	}
}

// WithColor forces colored output on or off. By default color follows
// fatih/color's terminal detection.
func WithColor(enabled bool) StderrSinkOption {
	return func(c *stderrSinkConfig) {
		c.color = enabled
	}
}

type stderrSink struct {
	verbose bool

	mu  sync.Mutex
	out io.Writer

	ready, failed, dim *color.Color
}

// NewStderrSink creates a sink that writes to stderr.
func NewStderrSink(opts ...StderrSinkOption) advisor.Sink {
	cfg := &stderrSinkConfig{out: os.Stderr, color: !color.NoColor}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &stderrSink{
		verbose: cfg.verbose,
		out:     cfg.out,
		ready:   color.New(color.FgGreen, color.Bold),
		failed:  color.New(color.FgRed, color.Bold),
		dim:     color.New(color.FgHiBlack),
	}
	if !cfg.color {
		s.ready.DisableColor()
		s.failed.DisableColor()
		s.dim.DisableColor()
	}
	return s
}

// Write formats one advice event. Output for a single event is written in
// one call so concurrent events do not interleave.
//
// Format:
//
//	[ADVISOR] <completed_at> READY <fingerprint> via <provider> (attempts: n, latency: d)
//	        Summary: ...
//	        Root cause: ...
//	        1. step
func (s *stderrSink) Write(ctx context.Context, event advisor.AdviceEvent) error {
	var b strings.Builder

	status := strings.ToUpper(string(event.Status))
	if event.Status == advisor.AdviceReady {
		status = s.ready.Sprint(status)
	} else {
		status = s.failed.Sprint(status)
	}

	fmt.Fprintf(&b, "[ADVISOR] %s %s %s",
		event.CompletedAt.Format("2006-01-02T15:04:05Z07:00"), status, event.Fingerprint)
	if event.Provider != "" {
		fmt.Fprintf(&b, " via %s", event.Provider)
	}
	b.WriteString(s.dim.Sprintf(" (attempts: %d, latency: %s)", event.Attempts, event.Latency.Round(time.Millisecond)))
	b.WriteByte('\n')

	if event.Advice != nil {
		fmt.Fprintf(&b, "        Summary: %s\n", event.Advice.Summary)
		if event.Advice.RootCause != "" {
			fmt.Fprintf(&b, "        Root cause: %s\n", event.Advice.RootCause)
		}
		for i, step := range event.Advice.Steps {
			fmt.Fprintf(&b, "        %d. %s\n", i+1, step)
		}
	}
	if event.FailureReason != "" {
		fmt.Fprintf(&b, "        Reason: %s\n", event.FailureReason)
	}
	if event.ContextID != nil {
		fmt.Fprintf(&b, "        Context: %d\n", *event.ContextID)
	}

	if s.verbose && event.Sample != "" {
		b.WriteString("        Sample:\n")
		for _, line := range strings.Split(strings.TrimRight(event.Sample, "\n"), "\n") {
			b.WriteString(s.dim.Sprintf("          %s", line))
			b.WriteByte('\n')
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, b.String())
	return err
}

func (s *stderrSink) Flush(ctx context.Context) error {
	return nil
}

func (s *stderrSink) Close() error {
	return nil
}
