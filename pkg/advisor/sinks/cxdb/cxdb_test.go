package cxdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// mockCXDBClient is a test double for the cxdb client.
type mockCXDBClient struct {
	mu             sync.Mutex
	createContexts []uint64 // baseTurnIDs passed to CreateContext
	appendRequests []*cxdbclient.AppendRequest
	nextContextID  uint64
	createErr      error
	appendErr      error
}

func (m *mockCXDBClient) CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createContexts = append(m.createContexts, baseTurnID)
	m.nextContextID++
	return &cxdbclient.ContextHead{ContextID: m.nextContextID}, nil
}

func (m *mockCXDBClient) AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	m.appendRequests = append(m.appendRequests, req)
	return &cxdbclient.AppendResult{ContextID: req.ContextID, TurnID: 1, Depth: 1}, nil
}

func (m *mockCXDBClient) getAppendRequests() []*cxdbclient.AppendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*cxdbclient.AppendRequest, len(m.appendRequests))
	copy(result, m.appendRequests)
	return result
}

func (m *mockCXDBClient) getCreateContextCalls() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]uint64, len(m.createContexts))
	copy(result, m.createContexts)
	return result
}

func decodeConversationItem(t *testing.T, payload []byte) cxdtypes.ConversationItem {
	t.Helper()
	var item cxdtypes.ConversationItem
	if err := cxdbclient.DecodeMsgpackInto(payload, &item); err != nil {
		t.Fatalf("DecodeMsgpackInto failed: %v", err)
	}
	return item
}

func decodeDetailsJSON(t *testing.T, content string) map[string]any {
	t.Helper()
	var details map[string]any
	if err := json.Unmarshal([]byte(content), &details); err != nil {
		t.Fatalf("details JSON unmarshal failed: %v", err)
	}
	return details
}

func readyEvent() advisor.AdviceEvent {
	return advisor.AdviceEvent{
		Fingerprint: "fp:0011223344556677889900112233",
		Status:      advisor.AdviceReady,
		Provider:    "anthropic",
		Attempts:    2,
		Latency:     1250 * time.Millisecond,
		CompletedAt: time.Date(2025, 1, 26, 12, 0, 0, 0, time.UTC),
		Sample:      "kind: timeout\nmessage: dial tcp [REDACTED:EMAIL]",
		Advice: &client.Advice{
			Summary:   "upstream is slow",
			RootCause: "no deadline on dial",
			Steps:     []string{"set a dial timeout"},
		},
	}
}

func TestCXDBSink_ImplementsSinkInterface(t *testing.T) {
	var _ advisor.Sink = NewCXDBSink(&mockCXDBClient{})
}

func TestCXDBSink_Write_WithContextID_AppendsTurn(t *testing.T) {
	mock := &mockCXDBClient{}
	sink := NewCXDBSink(mock)

	contextID := uint64(12345)
	event := readyEvent()
	event.ContextID = &contextID

	if err := sink.Write(context.Background(), event); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if calls := mock.getCreateContextCalls(); len(calls) != 0 {
		t.Errorf("Should not create context when ContextID is set, got %d create calls", len(calls))
	}

	reqs := mock.getAppendRequests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 append request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.ContextID != 12345 {
		t.Errorf("AppendRequest.ContextID = %d, want 12345", req.ContextID)
	}
	if req.TypeID != cxdtypes.TypeIDConversationItem {
		t.Errorf("TypeID = %q, want %q", req.TypeID, cxdtypes.TypeIDConversationItem)
	}
	if req.TypeVersion != cxdtypes.TypeVersionConversationItem {
		t.Errorf("TypeVersion = %d, want %d", req.TypeVersion, cxdtypes.TypeVersionConversationItem)
	}
	wantKey := event.Fingerprint + "@" + "1737892800000000000"
	if req.IdempotencyKey != wantKey {
		t.Errorf("IdempotencyKey = %q, want %q", req.IdempotencyKey, wantKey)
	}

	item := decodeConversationItem(t, req.Payload)
	if item.ContextMetadata != nil {
		t.Errorf("ContextMetadata should be nil for linked contexts")
	}
	if item.ID != wantKey {
		t.Errorf("item.ID = %q, want %q", item.ID, wantKey)
	}
}

func TestCXDBSink_Write_PayloadFormat(t *testing.T) {
	mock := &mockCXDBClient{}
	sink := NewCXDBSink(mock)

	if err := sink.Write(context.Background(), readyEvent()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	item := decodeConversationItem(t, mock.getAppendRequests()[0].Payload)
	if item.ItemType != cxdtypes.ItemTypeSystem {
		t.Errorf("ItemType = %q, want %q", item.ItemType, cxdtypes.ItemTypeSystem)
	}
	if item.Status != cxdtypes.ItemStatusComplete {
		t.Errorf("Status = %q, want %q", item.Status, cxdtypes.ItemStatusComplete)
	}
	if item.Timestamp != time.Date(2025, 1, 26, 12, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("Timestamp = %d", item.Timestamp)
	}
	if item.System == nil {
		t.Fatalf("System message should be present")
	}
	if item.System.Title != "advice: upstream is slow" {
		t.Errorf("Title = %q", item.System.Title)
	}

	details := decodeDetailsJSON(t, item.System.Content)
	if details["status"] != "ready" || details["provider"] != "anthropic" {
		t.Errorf("status/provider = %v/%v", details["status"], details["provider"])
	}
	if details["attempts"] != float64(2) || details["latency_ms"] != float64(1250) {
		t.Errorf("attempts/latency_ms = %v/%v", details["attempts"], details["latency_ms"])
	}
	advice, _ := details["advice"].(map[string]any)
	if advice == nil || advice["root_cause"] != "no deadline on dial" {
		t.Errorf("advice = %v", details["advice"])
	}
	if _, ok := details["failure_reason"]; ok {
		t.Errorf("failure_reason should be omitted for ready advice")
	}
	if !strings.Contains(details["sample"].(string), "[REDACTED:EMAIL]") {
		t.Errorf("sample = %v", details["sample"])
	}
}

func TestCXDBSink_Write_Failed(t *testing.T) {
	mock := &mockCXDBClient{}
	sink := NewCXDBSink(mock)

	event := advisor.AdviceEvent{
		Fingerprint:   "fp:dead",
		Status:        advisor.AdviceFailed,
		FailureReason: strings.Repeat("x", 300),
		CompletedAt:   time.Now(),
	}
	if err := sink.Write(context.Background(), event); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	item := decodeConversationItem(t, mock.getAppendRequests()[0].Payload)
	if len(item.System.Title) != maxTitleLen || !strings.HasPrefix(item.System.Title, "advice failed: xxx") {
		t.Errorf("Title = %q (len %d)", item.System.Title, len(item.System.Title))
	}
	details := decodeDetailsJSON(t, item.System.Content)
	if _, ok := details["advice"]; ok {
		t.Errorf("advice should be omitted for failed events")
	}
}

func TestCXDBSink_WithSkipFailed(t *testing.T) {
	mock := &mockCXDBClient{}
	sink := NewCXDBSink(mock, WithSkipFailed())

	if err := sink.Write(context.Background(), advisor.AdviceEvent{Status: advisor.AdviceFailed}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n := len(mock.getAppendRequests()); n != 0 {
		t.Errorf("failed advice should be skipped, got %d appends", n)
	}
}

func TestCXDBSink_WithOrphanLabels_AndClientTag(t *testing.T) {
	mock := &mockCXDBClient{}
	sink := NewCXDBSink(mock,
		WithOrphanLabels([]string{"advice", "critical"}),
		WithClientTag("advisor-e2e"),
	)

	if err := sink.Write(context.Background(), readyEvent()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if calls := mock.getCreateContextCalls(); len(calls) != 1 || calls[0] != 0 {
		t.Fatalf("expected one orphan context from turn 0, got %v", calls)
	}

	req := mock.getAppendRequests()[0]
	if req.ContextID != 1 {
		t.Errorf("ContextID = %d, want orphan context 1", req.ContextID)
	}
	item := decodeConversationItem(t, req.Payload)
	if item.ContextMetadata == nil {
		t.Fatalf("ContextMetadata should be set for orphan contexts")
	}
	if item.ContextMetadata.ClientTag != "advisor-e2e" {
		t.Errorf("ClientTag = %q, want %q", item.ContextMetadata.ClientTag, "advisor-e2e")
	}
	if len(item.ContextMetadata.Labels) != 2 || item.ContextMetadata.Labels[1] != "critical" {
		t.Errorf("Labels = %v", item.ContextMetadata.Labels)
	}
}

func TestCXDBSink_Errors(t *testing.T) {
	down := errors.New("cxdb down")

	sink := NewCXDBSink(&mockCXDBClient{createErr: down})
	err := sink.Write(context.Background(), readyEvent())
	if !errors.Is(err, down) || !strings.Contains(err.Error(), "create orphan context") {
		t.Errorf("create error = %v", err)
	}

	contextID := uint64(5)
	event := readyEvent()
	event.ContextID = &contextID
	sink = NewCXDBSink(&mockCXDBClient{appendErr: down})
	err = sink.Write(context.Background(), event)
	if !errors.Is(err, down) || !strings.Contains(err.Error(), "append turn") {
		t.Errorf("append error = %v", err)
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("short", 10); got != "short" {
		t.Errorf("shorten kept = %q", got)
	}
	got := shorten(strings.Repeat("é", 10), 8)
	if got != "éé..." {
		t.Errorf("shorten multibyte = %q, want %q", got, "éé...")
	}
}
