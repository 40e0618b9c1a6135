// hooks.go implements agents.RunHooks to capture what a run was doing.
// Hooks only enrich; the wrapped runner decides what gets submitted.

package agentssdk

import (
	"context"
	"time"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// HookAdapter records enrichment and delegates every call to inner hooks.
type HookAdapter struct {
	store    EnrichmentStore
	inner    agents.RunHooks
	scrubber *advisor.Scrubber
	now      func() time.Time
}

var _ agents.RunHooks = (*HookAdapter)(nil)

// NewHookAdapter wraps inner (may be nil). Only inner's errors are returned.
// Tool arguments are scrubbed with scrubber before they are stored.
func NewHookAdapter(store EnrichmentStore, inner agents.RunHooks, scrubber *advisor.Scrubber) *HookAdapter {
	if scrubber == nil {
		scrubber = advisor.NewScrubber(advisor.DefaultScrubberConfig())
	}
	return &HookAdapter{
		store:    store,
		inner:    inner,
		scrubber: scrubber,
		now:      time.Now,
	}
}

func (h *HookAdapter) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok && agent != nil {
		h.store.Update(runID, func(e *Enrichment) {
			e.AgentName = agent.Name()
		})
	}
	if h.inner != nil {
		return h.inner.OnAgentStart(ctx, runCtx, agent)
	}
	return nil
}

func (h *HookAdapter) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	if h.inner != nil {
		return h.inner.OnAgentEnd(ctx, runCtx, agent, result)
	}
	return nil
}

func (h *HookAdapter) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok && to != nil {
		h.store.Update(runID, func(e *Enrichment) {
			e.AgentName = to.Name()
		})
	}
	if h.inner != nil {
		return h.inner.OnHandoff(ctx, runCtx, from, to)
	}
	return nil
}

func (h *HookAdapter) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok {
		args := ""
		if len(call.Arguments) > 0 {
			args = h.scrubber.ScrubJSON(string(call.Arguments))
		}
		agentName := agentNameOf(agent)
		h.store.Update(runID, func(e *Enrichment) {
			if agentName != "" {
				e.AgentName = agentName
			}
			e.Operation = "tool"
			e.ToolName = tool.Name
			e.ToolCallID = call.ID
			e.ToolArgs = args
			e.OperationID = call.ID
		})
		h.store.AppendOperation(runID, OperationRecord{
			Kind:      "tool",
			StartedAt: h.now(),
			AgentName: agentName,
			Tool: &ToolOperation{
				Name:      tool.Name,
				CallID:    call.ID,
				InputSize: len(call.Arguments),
			},
		})
	}
	if h.inner != nil {
		return h.inner.OnToolStart(ctx, runCtx, agent, tool, call)
	}
	return nil
}

func (h *HookAdapter) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok {
		end := h.now()
		h.store.UpdateLastOperation(runID, "tool", func(rec *OperationRecord) {
			rec.Duration = end.Sub(rec.StartedAt)
			rec.Tool.OutputSize = len(output)
			rec.Tool.Done = true
		})
	}
	if h.inner != nil {
		return h.inner.OnToolEnd(ctx, runCtx, agent, tool, output)
	}
	return nil
}

func (h *HookAdapter) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok {
		agentName := agentNameOf(agent)
		h.store.Update(runID, func(e *Enrichment) {
			if agentName != "" {
				e.AgentName = agentName
			}
			e.Operation = "llm"
			e.OperationID = ""
			e.Model = req.Model
		})
		h.store.AppendOperation(runID, OperationRecord{
			Kind:      "llm",
			StartedAt: h.now(),
			AgentName: agentName,
			LLM:       buildLLMOperation(req),
		})
	}
	if h.inner != nil {
		return h.inner.OnLLMStart(ctx, runCtx, agent, req)
	}
	return nil
}

func (h *HookAdapter) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	if runID, ok := advisor.RunIDFromContext(ctx); ok {
		end := h.now()
		h.store.UpdateLastOperation(runID, "llm", func(rec *OperationRecord) {
			rec.Duration = end.Sub(rec.StartedAt)
			updateLLMOperationWithResponse(rec.LLM, resp)
		})
	}
	if h.inner != nil {
		return h.inner.OnLLMEnd(ctx, runCtx, agent, resp)
	}
	return nil
}

func agentNameOf(agent *agents.Agent) string {
	if agent == nil {
		return ""
	}
	return agent.Name()
}
