// sink.go defines the Sink interface for advice notifications.

package advisor

import (
	"context"
	"time"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
)

// AdviceStatus is the terminal state reported to a Sink.
type AdviceStatus string

const (
	AdviceReady  AdviceStatus = "ready"
	AdviceFailed AdviceStatus = "failed"
)

// AdviceEvent is written to the Sink each time a fingerprint settles.
type AdviceEvent struct {
	Fingerprint string
	Status      AdviceStatus

	// Advice is set when Status is AdviceReady.
	Advice *client.Advice

	// Provider that produced the advice, or the last one tried.
	Provider string

	FailureReason string
	Attempts      int

	// Sample is the scrubbed representative occurrence.
	Sample string

	// ContextID links the advice to the cxdb conversation of the first
	// occurrence, when known.
	ContextID *uint64

	CompletedAt time.Time

	// Latency is the time from first enqueue to settlement.
	Latency time.Duration
}

// Sink receives advice notifications.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write delivers one notification. Errors are logged by the pipeline and
	// otherwise ignored.
	Write(ctx context.Context, event AdviceEvent) error

	// Flush ensures any buffered events are delivered.
	// For synchronous sinks, this may be a no-op.
	Flush(ctx context.Context) error

	// Close releases resources held by the sink.
	// After Close is called, Write and Flush should return errors.
	Close() error
}

type noopSink struct{}

func (noopSink) Write(context.Context, AdviceEvent) error { return nil }
func (noopSink) Flush(context.Context) error              { return nil }
func (noopSink) Close() error                             { return nil }
