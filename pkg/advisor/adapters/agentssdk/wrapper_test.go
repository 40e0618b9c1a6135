package agentssdk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

func TestWrappedRunner_Run_CapturesError(t *testing.T) {
	sub := &recordingSubmitter{}
	expectedErr := errors.New("run failed")
	wrapped := Instrument(&fakeRunner{err: expectedErr}, sub)

	_, err := wrapped.Run(context.Background(), nil, "input", nil, nil)
	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}

	events := sub.getEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.Message != "run failed" {
		t.Errorf("Message = %q, want %q", event.Message, "run failed")
	}
	if event.Severity != advisor.SeverityError {
		t.Errorf("Severity = %q, want %q", event.Severity, advisor.SeverityError)
	}
	if event.ErrorType != "error" {
		t.Errorf("ErrorType = %q, want error", event.ErrorType)
	}
	if event.SystemState == nil || event.SystemState.GoroutineCount <= 0 {
		t.Errorf("SystemState should be captured, got %+v", event.SystemState)
	}
	if event.ContextID != nil {
		t.Errorf("ContextID should be nil without a session or ctx value")
	}
}

func TestWrappedRunner_Run_NoErrorNoSubmit(t *testing.T) {
	sub := &recordingSubmitter{}
	wrapped := Instrument(&fakeRunner{}, sub)

	if _, err := wrapped.Run(context.Background(), nil, "input", nil, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if n := len(sub.getEvents()); n != 0 {
		t.Errorf("successful run submitted %d events", n)
	}
}

func TestWrappedRunner_Run_CapturesPanic(t *testing.T) {
	sub := &recordingSubmitter{}
	runner := &fakeRunner{
		panicVal: "tool panicked",
		script: func(ctx context.Context, hooks agents.RunHooks) {
			hooks.OnLLMStart(ctx, nil, testAgent("panic-agent"), llmsdk.Request{Model: "gpt-test"})
		},
	}
	wrapped := Instrument(runner, sub)

	defer func() {
		r := recover()
		if r != "tool panicked" {
			t.Fatalf("Recovered = %v, want re-raised panic", r)
		}

		events := sub.getEvents()
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}
		event := events[0]
		if event.Severity != advisor.SeverityCrash || event.ErrorType != "panic" {
			t.Errorf("Severity/ErrorType = %q/%q", event.Severity, event.ErrorType)
		}
		if event.Message != "tool panicked" {
			t.Errorf("Message = %q", event.Message)
		}
		if event.StackTrace == "" {
			t.Error("StackTrace should be captured for panics")
		}
		if event.AgentName != "panic-agent" || event.Operation != "llm" {
			t.Errorf("enrichment = %q/%q", event.AgentName, event.Operation)
		}
		if event.Context["model"] != "gpt-test" {
			t.Errorf("model = %v", event.Context["model"])
		}
	}()

	wrapped.Run(context.Background(), nil, "input", nil, nil)
}

func TestWrappedRunner_ContextIDFromContext(t *testing.T) {
	sub := &recordingSubmitter{}
	wrapped := Instrument(&fakeRunner{err: errors.New("llm failed")}, sub)

	ctx := advisor.WithContextID(context.Background(), 424242)
	wrapped.RunOnce(ctx, nil, "hi", nil)

	events := sub.getEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].ContextID == nil || *events[0].ContextID != 424242 {
		t.Errorf("ContextID = %v, want 424242", events[0].ContextID)
	}
}

type idSession struct {
	id  uint64
	err error
}

func (s *idSession) ContextID(ctx context.Context) (uint64, error) {
	return s.id, s.err
}

func TestWrappedRunner_ExtractContextID(t *testing.T) {
	w := Instrument(&fakeRunner{}, &recordingSubmitter{})
	ctx := advisor.WithContextID(context.Background(), 7)

	tests := []struct {
		name    string
		session any
		want    uint64
	}{
		{"session wins", &idSession{id: 98765}, 98765},
		{"session error falls back to ctx", &idSession{err: errors.New("no context")}, 7},
		{"no provider falls back to ctx", struct{}{}, 7},
		{"nil session", nil, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.extractContextID(ctx, tt.session); got != tt.want {
				t.Errorf("extractContextID = %d, want %d", got, tt.want)
			}
		})
	}

	if got := w.extractContextID(context.Background(), nil); got != 0 {
		t.Errorf("extractContextID without any source = %d, want 0", got)
	}
}

func TestWrappedRunner_HooksEnrichAndDelegate(t *testing.T) {
	sub := &recordingSubmitter{}
	spy := newSpyHooks()
	runner := &fakeRunner{
		err: errors.New("tool execution failed"),
		script: func(ctx context.Context, hooks agents.RunHooks) {
			agent := testAgent("orchestrator")
			hooks.OnAgentStart(ctx, nil, agent)
			hooks.OnLLMStart(ctx, nil, agent, llmsdk.Request{Model: "gpt-4"})
			hooks.OnLLMEnd(ctx, nil, agent, llmsdk.Response{
				FinishReason: llmsdk.FinishReasonToolCalls,
				ToolCalls:    []llmsdk.ToolCall{{ID: "call-123", Name: "WebSearch"}},
			})
			hooks.OnToolStart(ctx, nil, agent, agents.Tool{Name: "WebSearch"}, llmsdk.ToolCall{
				ID:        "call-123",
				Name:      "WebSearch",
				Arguments: json.RawMessage(`{"query":"status","api_key":"sk-abcdefghijklmnopqrstuvwx"}`),
			})
		},
	}
	wrapped := Instrument(runner, sub)

	_, err := wrapped.Run(context.Background(), nil, "search", nil, &agents.RunConfig{Hooks: spy, MaxTurns: 2})
	if err == nil {
		t.Fatal("expected error")
	}

	for _, name := range []string{"agent_start", "llm_start", "llm_end", "tool_start"} {
		if spy.count(name) != 1 {
			t.Errorf("user hook %s called %d times, want 1", name, spy.count(name))
		}
	}
	if runner.lastCfg.MaxTurns != 2 {
		t.Errorf("RunConfig fields should be preserved, MaxTurns = %d", runner.lastCfg.MaxTurns)
	}

	event := sub.getEvents()[0]
	if event.AgentName != "orchestrator" || event.Operation != "tool" || event.ToolName != "WebSearch" {
		t.Errorf("enrichment = agent %q op %q tool %q", event.AgentName, event.Operation, event.ToolName)
	}
	if event.Context["tool_call_id"] != "call-123" {
		t.Errorf("tool_call_id = %v", event.Context["tool_call_id"])
	}
	args, _ := event.Context["tool_args"].(string)
	if strings.Contains(args, "sk-abcdefghijklmnopqrstuvwx") || !strings.Contains(args, "status") {
		t.Errorf("tool_args should be scrubbed but keep safe values: %q", args)
	}
	history, _ := event.Context["operation_history"].(string)
	if !strings.Contains(history, "llm gpt-4") || !strings.Contains(history, "calls=WebSearch") ||
		!strings.Contains(history, "tool WebSearch") || !strings.Contains(history, "unfinished") {
		t.Errorf("operation_history = %q", history)
	}
}

func TestWrappedRunner_UserHookConfigNotMutated(t *testing.T) {
	spy := newSpyHooks()
	cfg := &agents.RunConfig{Hooks: spy}
	wrapped := Instrument(&fakeRunner{}, &recordingSubmitter{})

	wrapped.Run(context.Background(), nil, "input", nil, cfg)

	if cfg.Hooks != agents.RunHooks(spy) {
		t.Errorf("caller's RunConfig.Hooks was replaced")
	}
}

func TestWrappedRunner_CleansUpEnrichment(t *testing.T) {
	store := NewEnrichmentStore(0)
	var runID string
	runner := &fakeRunner{
		err: errors.New("boom"),
		script: func(ctx context.Context, hooks agents.RunHooks) {
			runID, _ = advisor.RunIDFromContext(ctx)
			hooks.OnAgentStart(ctx, nil, testAgent("a"))
		},
	}
	wrapped := Instrument(runner, &recordingSubmitter{}, WithEnrichmentStore(store))

	wrapped.Run(context.Background(), nil, "input", nil, nil)

	if runID == "" {
		t.Fatal("run ID should be attached to the run context")
	}
	if _, ok := store.Get(runID); ok {
		t.Errorf("enrichment for %s should be deleted after the run", runID)
	}
}

func TestWrappedRunner_RunStream_CleansUpWhenContextEnds(t *testing.T) {
	store := NewEnrichmentStore(0)
	var runID string
	runner := &fakeRunner{
		script: func(ctx context.Context, hooks agents.RunHooks) {
			runID, _ = advisor.RunIDFromContext(ctx)
			hooks.OnAgentStart(ctx, nil, testAgent("streamer"))
		},
	}
	wrapped := Instrument(runner, &recordingSubmitter{}, WithEnrichmentStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := wrapped.RunStream(ctx, nil, "input", nil, nil); err != nil {
		t.Fatalf("RunStream returned error: %v", err)
	}
	if _, ok := store.Get(runID); !ok {
		t.Fatalf("enrichment should live while the stream context is active")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := store.Get(runID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("enrichment should be deleted once the stream context ends")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWrappedRunner_RunStream_StartErrorCaptured(t *testing.T) {
	sub := &recordingSubmitter{}
	wrapped := Instrument(&fakeRunner{err: context.DeadlineExceeded}, sub)

	if _, err := wrapped.RunStream(context.Background(), nil, "input", nil, nil); err == nil {
		t.Fatal("expected error")
	}
	events := sub.getEvents()
	if len(events) != 1 || events[0].ErrorType != "timeout" {
		t.Errorf("events = %+v, want one timeout", events)
	}
}

func TestWrappedRunner_OnOutcome(t *testing.T) {
	sub := &recordingSubmitter{reject: advisor.ReasonQueueFull}
	var got []advisor.Outcome
	wrapped := Instrument(&fakeRunner{err: errors.New("x")}, sub,
		WithOnOutcome(func(o advisor.Outcome) { got = append(got, o) }))

	_, err := wrapped.Run(context.Background(), nil, "input", nil, nil)
	if err == nil || err.Error() != "x" {
		t.Errorf("rejection must not change the run error, got %v", err)
	}
	if len(got) != 1 || got[0].Reason != advisor.ReasonQueueFull {
		t.Errorf("outcomes = %+v", got)
	}
}
