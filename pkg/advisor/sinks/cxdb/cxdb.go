// Package cxdb provides a sink that persists advice to cxdb as SystemMessage
// items, next to the conversation that produced the error when it is known.
package cxdb

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// CXDBClient is the minimal interface for cxdb client operations.
// The real *cxdb.Client satisfies this interface.
type CXDBClient interface {
	CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error)
	AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error)
}

// CXDBSinkOption configures the CXDB sink.
type CXDBSinkOption func(*cxdbSinkConfig)

type cxdbSinkConfig struct {
	orphanLabels []string
	clientTag    string
	skipFailed   bool
}

// WithOrphanLabels sets labels for advice contexts created when the error
// was not linked to a conversation.
func WithOrphanLabels(labels []string) CXDBSinkOption {
	return func(c *cxdbSinkConfig) {
		c.orphanLabels = labels
	}
}

// WithClientTag sets the client tag for orphan contexts.
func WithClientTag(tag string) CXDBSinkOption {
	return func(c *cxdbSinkConfig) {
		c.clientTag = tag
	}
}

// WithSkipFailed persists only ready advice.
func WithSkipFailed() CXDBSinkOption {
	return func(c *cxdbSinkConfig) {
		c.skipFailed = true
	}
}

type cxdbSink struct {
	client CXDBClient
	cfg    cxdbSinkConfig
}

// NewCXDBSink creates a sink that writes to cxdb.
func NewCXDBSink(client CXDBClient, opts ...CXDBSinkOption) advisor.Sink {
	cfg := cxdbSinkConfig{
		orphanLabels: []string{"advice", "unlinked"},
		clientTag:    "advisor",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cxdbSink{client: client, cfg: cfg}
}

// Write appends one advice item. Events without a ContextID go to a fresh
// orphan context.
func (s *cxdbSink) Write(ctx context.Context, event advisor.AdviceEvent) error {
	if s.cfg.skipFailed && event.Status != advisor.AdviceReady {
		return nil
	}

	var contextID uint64
	isOrphan := false
	if event.ContextID != nil {
		contextID = *event.ContextID
	} else {
		head, err := s.client.CreateContext(ctx, 0)
		if err != nil {
			return fmt.Errorf("create orphan context: %w", err)
		}
		contextID = head.ContextID
		isOrphan = true
	}

	item := s.buildConversationItem(event, isOrphan)
	payload, err := cxdbclient.EncodeMsgpack(item)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req := &cxdbclient.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   0,
		TypeID:         cxdtypes.TypeIDConversationItem,
		TypeVersion:    cxdtypes.TypeVersionConversationItem,
		Payload:        payload,
		IdempotencyKey: idempotencyKey(event),
	}
	if _, err := s.client.AppendTurn(ctx, req); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// idempotencyKey is stable for one settlement of a fingerprint, so a retried
// Write does not duplicate the turn, while a later re-analysis does append.
func idempotencyKey(event advisor.AdviceEvent) string {
	return fmt.Sprintf("%s@%d", event.Fingerprint, event.CompletedAt.UnixNano())
}

const maxTitleLen = 100

func (s *cxdbSink) buildConversationItem(event advisor.AdviceEvent, isOrphan bool) *cxdtypes.ConversationItem {
	title := "advice failed: " + event.FailureReason
	if event.Status == advisor.AdviceReady && event.Advice != nil {
		title = "advice: " + event.Advice.Summary
	}

	item := &cxdtypes.ConversationItem{
		ItemType:  cxdtypes.ItemTypeSystem,
		Status:    cxdtypes.ItemStatusComplete,
		Timestamp: event.CompletedAt.UnixMilli(),
		ID:        idempotencyKey(event),
		System: &cxdtypes.SystemMessage{
			Kind:    cxdtypes.SystemKindError,
			Title:   shorten(title, maxTitleLen),
			Content: buildAdviceDetails(event),
		},
	}

	// cxdb expects context metadata on the first turn of a context.
	if isOrphan {
		item.ContextMetadata = &cxdtypes.ContextMetadata{
			Labels:    s.cfg.orphanLabels,
			ClientTag: s.cfg.clientTag,
		}
	}
	return item
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

type adviceDetails struct {
	Fingerprint   string         `json:"fingerprint"`
	Status        string         `json:"status"`
	Provider      string         `json:"provider,omitempty"`
	Attempts      int            `json:"attempts"`
	LatencyMs     int64          `json:"latency_ms"`
	Advice        *client.Advice `json:"advice,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Sample        string         `json:"sample,omitempty"`
}

// buildAdviceDetails encodes the event as JSON for SystemMessage.Content.
func buildAdviceDetails(event advisor.AdviceEvent) string {
	b, err := json.Marshal(adviceDetails{
		Fingerprint:   event.Fingerprint,
		Status:        string(event.Status),
		Provider:      event.Provider,
		Attempts:      event.Attempts,
		LatencyMs:     event.Latency.Milliseconds(),
		Advice:        event.Advice,
		FailureReason: event.FailureReason,
		Sample:        event.Sample,
	})
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to encode details: %s"}`, err)
	}
	return string(b)
}

// Flush is a no-op; writes are synchronous.
func (s *cxdbSink) Flush(ctx context.Context) error {
	return nil
}

func (s *cxdbSink) Close() error {
	return nil
}
