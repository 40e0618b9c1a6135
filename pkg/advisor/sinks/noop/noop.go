// Package noop provides a sink that discards advice notifications.
package noop

import (
	"context"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

type noopSink struct{}

// NewNoopSink creates a sink that discards all events.
func NewNoopSink() advisor.Sink {
	return noopSink{}
}

func (noopSink) Write(context.Context, advisor.AdviceEvent) error { return nil }
func (noopSink) Flush(context.Context) error                      { return nil }
func (noopSink) Close() error                                     { return nil }
