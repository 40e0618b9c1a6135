// context.go carries run IDs, cxdb context IDs and the pipeline marker
// through context.Context.

package advisor

import "context"

type runIDKey struct{}
type contextIDKey struct{}
type pipelineKey struct{}

// contextIDSet is used to distinguish "zero value" from "not set"
type contextIDSet struct {
	id uint64
}

// WithRunID returns a context with the run ID attached.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext extracts the run ID from context.
// Returns empty string and false if not set or if the run ID is empty.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// WithContextID returns a context with the cxdb context ID attached.
func WithContextID(ctx context.Context, contextID uint64) context.Context {
	return context.WithValue(ctx, contextIDKey{}, contextIDSet{id: contextID})
}

// ContextIDFromContext extracts the cxdb context ID from context.
// Returns 0 and false if not set.
func ContextIDFromContext(ctx context.Context) (uint64, bool) {
	set, ok := ctx.Value(contextIDKey{}).(contextIDSet)
	if !ok {
		return 0, false
	}
	return set.id, true
}

// ContextIDProvider is an optional interface that session implementations can
// satisfy to link events to a conversation. The ai-agents-sdk CXDBSession
// implements it.
type ContextIDProvider interface {
	ContextID(ctx context.Context) (uint64, error)
}

// withPipeline marks ctx as originating inside the pipeline. Provider calls
// and sink writes run under such a context, so an instrumented transport or
// sink that reports its own failure cannot feed the pipeline again.
func withPipeline(ctx context.Context) context.Context {
	return context.WithValue(ctx, pipelineKey{}, true)
}

// IsPipelineContext reports whether ctx was derived from a pipeline worker.
func IsPipelineContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(pipelineKey{}).(bool)
	return v
}
