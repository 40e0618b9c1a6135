package agentssdk

import (
	"context"
	"sync"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// recordingSubmitter captures submitted events.
type recordingSubmitter struct {
	mu     sync.Mutex
	events []advisor.ErrorEvent
	ctxs   []context.Context
	reject advisor.RejectReason
}

func (s *recordingSubmitter) Submit(ctx context.Context, event advisor.ErrorEvent) advisor.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.ctxs = append(s.ctxs, ctx)
	if s.reject != "" {
		return advisor.Outcome{Kind: advisor.OutcomeRejected, Reason: s.reject, Fingerprint: "fp:test"}
	}
	return advisor.Outcome{Kind: advisor.OutcomeQueued, Fingerprint: "fp:test"}
}

func (s *recordingSubmitter) getEvents() []advisor.ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]advisor.ErrorEvent, len(s.events))
	copy(result, s.events)
	return result
}

// fakeRunner stands in for *agents.Runner. script drives the installed
// hooks the way a real run would before the result is returned.
type fakeRunner struct {
	err      error
	panicVal any
	script   func(ctx context.Context, hooks agents.RunHooks)

	lastCfg *agents.RunConfig
}

func (f *fakeRunner) run(ctx context.Context, cfg *agents.RunConfig) error {
	f.lastCfg = cfg
	if f.script != nil {
		f.script(ctx, cfg.Hooks)
	}
	if f.panicVal != nil {
		panic(f.panicVal)
	}
	return f.err
}

func (f *fakeRunner) Run(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (agents.RunResult, error) {
	var zero agents.RunResult
	return zero, f.run(ctx, cfg)
}

func (f *fakeRunner) RunOnce(ctx context.Context, agent *agents.Agent, input string, cfg *agents.RunConfig) (agents.RunResult, error) {
	var zero agents.RunResult
	return zero, f.run(ctx, cfg)
}

func (f *fakeRunner) RunStream(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (*agents.StreamingRun, error) {
	return nil, f.run(ctx, cfg)
}

// spyHooks counts calls to user hooks.
type spyHooks struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newSpyHooks() *spyHooks {
	return &spyHooks{calls: map[string]int{}}
}

func (h *spyHooks) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[name]++
	return h.err
}

func (h *spyHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

func (h *spyHooks) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	return h.record("agent_start")
}

func (h *spyHooks) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	return h.record("agent_end")
}

func (h *spyHooks) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	return h.record("handoff")
}

func (h *spyHooks) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	return h.record("tool_start")
}

func (h *spyHooks) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	return h.record("tool_end")
}

func (h *spyHooks) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	return h.record("llm_start")
}

func (h *spyHooks) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	return h.record("llm_end")
}

func testAgent(name string) *agents.Agent {
	return agents.NewAgent(agents.AgentConfig{
		Name:         name,
		Instructions: "be helpful",
		Model:        "test-model",
	})
}
