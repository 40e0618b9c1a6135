// builders.go turns run errors and panics into advisor events.

package agentssdk

import (
	"context"
	"errors"
	"strings"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// buildErrorEvent creates an event for an error returned by a run.
func buildErrorEvent(err error, contextID uint64, enrichment Enrichment) advisor.ErrorEvent {
	event := advisor.ErrorEvent{
		Severity:  advisor.SeverityError,
		ErrorType: classifyError(err),
		Message:   err.Error(),
	}
	applyEnrichment(&event, enrichment)
	if contextID != 0 {
		event.ContextID = &contextID
	}
	return event
}

// buildPanicEvent creates a crash event for a recovered panic.
func buildPanicEvent(ctx context.Context, recovered any, stack []byte, contextID uint64, enrichment Enrichment) advisor.ErrorEvent {
	event := advisor.PanicEvent(ctx, recovered, stack)
	applyEnrichment(&event, enrichment)
	if contextID != 0 {
		event.ContextID = &contextID
	}
	return event
}

func applyEnrichment(event *advisor.ErrorEvent, e Enrichment) {
	event.Operation = e.Operation
	event.AgentName = e.AgentName
	event.ToolName = e.ToolName

	details := map[string]any{}
	if e.Model != "" {
		details["model"] = e.Model
	}
	if e.ToolCallID != "" {
		details["tool_call_id"] = e.ToolCallID
	}
	if e.ToolArgs != "" {
		details["tool_args"] = e.ToolArgs
	}
	if len(e.History) > 0 {
		details["operation_history"] = summarizeHistory(e.History)
	}
	if len(details) == 0 {
		return
	}
	if event.Context == nil {
		event.Context = details
		return
	}
	for k, v := range details {
		event.Context[k] = v
	}
}

// classifyError maps an error to a coarse kind. Message patterns are a
// heuristic; the sdk does not export typed errors for these cases.
func classifyError(err error) string {
	if err == nil {
		return "error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	for _, c := range errorClasses {
		for _, p := range c.patterns {
			if strings.Contains(msg, p) {
				return c.kind
			}
		}
	}
	return "error"
}

var errorClasses = []struct {
	kind     string
	patterns []string
}{
	{"guardrail", []string{"guardrail", "content policy", "safety filter", "blocked by policy"}},
	{"rate_limit", []string{"rate limit", "too many requests", "status 429"}},
	{"max_turns", []string{"max turns", "maximum turns"}},
	{"context_length", []string{"context length", "context window", "maximum context"}},
}
