// event.go defines the error event handed to the pipeline.

package advisor

import (
	"time"

	"github.com/google/uuid"
)

// Severity indicates the severity level of an error event.
type Severity string

const (
	// SeverityWarning indicates a non-fatal issue that may need attention.
	SeverityWarning Severity = "warning"

	// SeverityError indicates a recoverable error that caused an operation to fail.
	SeverityError Severity = "error"

	// SeverityCrash indicates an unrecoverable error such as a panic.
	SeverityCrash Severity = "crash"
)

// ErrorEvent is the raw input to the pipeline. The caller keeps ownership;
// Submit works on a copy and never mutates or retains the caller's value.
type ErrorEvent struct {
	// EventID is a unique identifier (UUID). Submit assigns one if empty.
	EventID string

	// Timestamp is the arrival time. Submit sets it if zero.
	Timestamp time.Time

	Severity Severity

	// ErrorType is the error kind or class name (panic, timeout, *fs.PathError).
	ErrorType string

	// Message is the human-readable error message.
	Message string

	// StackTrace is optional; the first frames contribute to the fingerprint.
	StackTrace string

	// Operation indicates what was happening (http, tool, llm, job).
	Operation string

	AgentName string
	ToolName  string

	// ContextID optionally links the error to a cxdb conversation.
	// Uses pointer to distinguish "not set" from "zero value".
	ContextID *uint64

	// SystemState captures process metrics at error time.
	SystemState *SystemState

	// Context holds structured details. Values should be strings or scalars;
	// anything else is rendered with %v. Keys take part in fingerprinting.
	Context map[string]any
}

// prepare returns a copy of e with identity fields filled in.
func (e ErrorEvent) prepare(now time.Time) ErrorEvent {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Context != nil {
		ctx := make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		e.Context = ctx
	}
	return e
}
