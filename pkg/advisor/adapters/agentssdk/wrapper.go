// wrapper.go wraps an agents runner so run errors and panics are submitted
// to the advisor pipeline.

package agentssdk

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/strongdm/ai-agents-sdk/pkg/agents"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// Runner is the part of *agents.Runner the wrapper drives.
type Runner interface {
	Run(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (agents.RunResult, error)
	RunOnce(ctx context.Context, agent *agents.Agent, input string, cfg *agents.RunConfig) (agents.RunResult, error)
	RunStream(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (*agents.StreamingRun, error)
}

var _ Runner = (*agents.Runner)(nil)

// WrappedRunner submits every error or panic that leaves the inner runner.
// Panics are re-raised after submission.
type WrappedRunner struct {
	inner       Runner
	submitter   advisor.Submitter
	enrichments EnrichmentStore
	scrubber    *advisor.Scrubber
	logger      *slog.Logger
	onOutcome   func(advisor.Outcome)
}

func (w *WrappedRunner) Run(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (agents.RunResult, error) {
	ctx, runID := w.begin(ctx)
	defer w.enrichments.Delete(runID)

	contextID := w.extractContextID(ctx, session)
	defer w.capturePanic(ctx, runID, contextID)

	result, err := w.inner.Run(ctx, agent, input, session, w.wrapRunConfig(cfg))
	if err != nil {
		w.captureError(ctx, runID, contextID, err)
	}
	return result, err
}

// RunOnce has no session, so the context ID can only come from ctx.
func (w *WrappedRunner) RunOnce(ctx context.Context, agent *agents.Agent, input string, cfg *agents.RunConfig) (agents.RunResult, error) {
	ctx, runID := w.begin(ctx)
	defer w.enrichments.Delete(runID)

	contextID := w.extractContextID(ctx, nil)
	defer w.capturePanic(ctx, runID, contextID)

	result, err := w.inner.RunOnce(ctx, agent, input, w.wrapRunConfig(cfg))
	if err != nil {
		w.captureError(ctx, runID, contextID, err)
	}
	return result, err
}

// RunStream captures errors returned when starting the stream. Failures
// while consuming the stream are not seen here.
func (w *WrappedRunner) RunStream(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (*agents.StreamingRun, error) {
	ctx, runID := w.begin(ctx)

	contextID := w.extractContextID(ctx, session)
	defer w.capturePanic(ctx, runID, contextID)

	stream, err := w.inner.RunStream(ctx, agent, input, session, w.wrapRunConfig(cfg))
	if err != nil {
		w.captureError(ctx, runID, contextID, err)
		w.enrichments.Delete(runID)
		return stream, err
	}

	// The stream outlives this call; drop the enrichment when ctx ends.
	context.AfterFunc(ctx, func() { w.enrichments.Delete(runID) })
	return stream, nil
}

func (w *WrappedRunner) begin(ctx context.Context) (context.Context, string) {
	runID := uuid.NewString()
	return advisor.WithRunID(ctx, runID), runID
}

// extractContextID prefers the session's own conversation, then ctx.
func (w *WrappedRunner) extractContextID(ctx context.Context, session any) uint64 {
	if provider, ok := session.(advisor.ContextIDProvider); ok {
		if id, err := provider.ContextID(ctx); err == nil {
			return id
		}
	}
	if id, ok := advisor.ContextIDFromContext(ctx); ok {
		return id
	}
	return 0
}

// wrapRunConfig clones cfg and installs the enrichment hooks around any
// user hooks.
func (w *WrappedRunner) wrapRunConfig(cfg *agents.RunConfig) *agents.RunConfig {
	var cloned agents.RunConfig
	if cfg != nil {
		cloned = *cfg
	}
	cloned.Hooks = NewHookAdapter(w.enrichments, cloned.Hooks, w.scrubber)
	return &cloned
}

func (w *WrappedRunner) captureError(ctx context.Context, runID string, contextID uint64, err error) {
	enrichment, _ := w.enrichments.Get(runID)
	event := buildErrorEvent(err, contextID, enrichment)
	event.SystemState = advisor.CaptureSystemState(startTime)
	w.submit(ctx, event)
}

// capturePanic must be deferred directly so recover sees the panic.
func (w *WrappedRunner) capturePanic(ctx context.Context, runID string, contextID uint64) {
	r := recover()
	if r == nil {
		return
	}
	enrichment, _ := w.enrichments.Get(runID)
	w.submit(ctx, buildPanicEvent(ctx, r, debug.Stack(), contextID, enrichment))
	panic(r)
}

// submit never fails the run: rejections are logged at debug level.
func (w *WrappedRunner) submit(ctx context.Context, event advisor.ErrorEvent) {
	out := w.submitter.Submit(ctx, event)
	if out.Kind == advisor.OutcomeRejected {
		w.logger.Debug("error not analyzed",
			slog.String("reason", string(out.Reason)),
			slog.String("fingerprint", out.Fingerprint))
	}
	if w.onOutcome != nil {
		w.onOutcome(out)
	}
}

// Inner returns the wrapped runner.
func (w *WrappedRunner) Inner() Runner {
	return w.inner
}
