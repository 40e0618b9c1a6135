// recover.go provides the Recover helper for panic capture in handlers and
// goroutines.

package advisor

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Submitter accepts error events. *Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, event ErrorEvent) Outcome
}

// Recover captures a panic, submits it and returns the recovered value.
// It does not re-panic. recover only works when Recover itself is the
// deferred call:
//
//	func handler(ctx context.Context) {
//	    defer advisor.Recover(ctx, pipeline)
//	    // code that might panic
//	}
//
// To turn the panic into an error instead, recover yourself and submit
// PanicEvent.
func Recover(ctx context.Context, s Submitter) any {
	r := recover()
	if r == nil {
		return nil
	}
	if s != nil {
		s.Submit(ctx, PanicEvent(ctx, r, debug.Stack()))
	}
	return r
}

// PanicEvent builds a crash event for a recovered value.
func PanicEvent(ctx context.Context, recovered any, stack []byte) ErrorEvent {
	event := ErrorEvent{
		Severity:    SeverityCrash,
		ErrorType:   "panic",
		Message:     FormatRecovered(recovered),
		StackTrace:  string(stack),
		SystemState: CaptureSystemState(processStart),
	}
	if contextID, ok := ContextIDFromContext(ctx); ok {
		event.ContextID = &contextID
	}
	return event
}

// FormatRecovered formats a recovered panic value as a string.
func FormatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}
