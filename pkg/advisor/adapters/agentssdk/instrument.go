// instrument.go provides Instrument, the entry point for wrapping a runner.

package agentssdk

import (
	"log/slog"
	"time"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// startTime anchors SystemState uptime for captured events.
var startTime = time.Now()

// WrapOption configures a WrappedRunner.
type WrapOption func(*WrappedRunner)

// WithLogger sets the logger used when a submission is rejected.
func WithLogger(logger *slog.Logger) WrapOption {
	return func(w *WrappedRunner) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithEnrichmentStore replaces the default in-memory store.
func WithEnrichmentStore(store EnrichmentStore) WrapOption {
	return func(w *WrappedRunner) {
		if store != nil {
			w.enrichments = store
		}
	}
}

// WithScrubber sets the scrubber applied to tool arguments.
func WithScrubber(s *advisor.Scrubber) WrapOption {
	return func(w *WrappedRunner) {
		if s != nil {
			w.scrubber = s
		}
	}
}

// WithOnOutcome registers a callback for every submission outcome. A cache
// hit carries advice the caller can show right away.
func WithOnOutcome(fn func(advisor.Outcome)) WrapOption {
	return func(w *WrappedRunner) {
		w.onOutcome = fn
	}
}

// Instrument wraps a runner so its errors and panics reach the pipeline.
//
//	wrapped := agentssdk.Instrument(agents.NewRunner(client), pipeline)
//	result, err := wrapped.Run(ctx, agent, input, session, nil)
func Instrument(runner Runner, submitter advisor.Submitter, opts ...WrapOption) *WrappedRunner {
	w := &WrappedRunner{
		inner:       runner,
		submitter:   submitter,
		enrichments: NewEnrichmentStore(0),
		scrubber:    advisor.NewScrubber(advisor.DefaultScrubberConfig()),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}
