// Package advisor is an in-process error-analysis pipeline for AI agent
// systems and services.
//
// Errors handed to the pipeline are fingerprinted, deduplicated against an
// advice cache and, when new, analyzed in the background by an LLM provider.
// The caller never waits for analysis and never sees a pipeline failure.
//
// # Core Components
//
//   - ErrorEvent: the error as captured by the application
//   - Fingerprinter: stable deduplication key for an event
//   - Scrubber: redacts secrets and PII from the sample sent to providers
//   - Pipeline: Submit entry point, worker dispatch, retries and lifecycle
//   - Sink: destination for settled advice (cxdb, stderr, async, multi, noop)
//   - Observer: periodic stats, settlements and circuit transitions
//
// Supporting packages: cache (advice cache), queue (bounded analysis queue),
// ratelimit (per-provider token buckets), breaker (per-provider circuit
// breakers) and client (coalescing analysis client).
//
// # Quick Start
//
//	cfg, err := advisor.LoadConfig("advisor.yaml")
//	if err != nil {
//	    return err
//	}
//	p, err := advisor.New(cfg, advisor.WithLogger(logger), advisor.WithSink(stderr.NewStderrSink()))
//	if err != nil {
//	    return err
//	}
//	p.Start()
//	defer p.Close(shutdownCtx)
//
//	out := p.Submit(ctx, advisor.ErrorEvent{ErrorType: "timeout", Message: err.Error()})
//	if out.Kind == advisor.OutcomeCacheHit {
//	    logger.Info("known error", "advice", out.Advice.Summary)
//	}
//
// For panics:
//
//	defer advisor.Recover(ctx, p)
//
// # Design Principles
//
//   - Submit never blocks on I/O and never panics
//   - Every rejection is counted and every failed analysis settles as failed
//   - Work originating in the pipeline is never fed back into it
package advisor
