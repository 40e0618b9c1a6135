// operation_history.go records recent LLM and tool operations per run in a
// ring buffer.

package agentssdk

import (
	"fmt"
	"strings"
	"time"
)

// OperationRecord captures a single LLM or tool call.
type OperationRecord struct {
	Kind      string // "llm" or "tool"
	StartedAt time.Time
	Duration  time.Duration
	AgentName string

	LLM  *LLMOperation
	Tool *ToolOperation
}

// ToolOperation captures tool call metadata. Sizes only; arguments live in
// Enrichment.ToolArgs after scrubbing.
type ToolOperation struct {
	Name       string
	CallID     string
	InputSize  int
	OutputSize int
	Done       bool
}

type operationHistoryBuffer struct {
	records  []OperationRecord
	maxSize  int
	writeIdx int
}

// Add appends a record, evicting the oldest if the buffer is full.
func (b *operationHistoryBuffer) Add(record OperationRecord) {
	if b.maxSize <= 0 {
		return
	}
	if len(b.records) < b.maxSize {
		b.records = append(b.records, record)
		return
	}
	b.records[b.writeIdx] = record
	b.writeIdx = (b.writeIdx + 1) % b.maxSize
}

// GetAll returns a copy of the records, oldest first.
func (b *operationHistoryBuffer) GetAll() []OperationRecord {
	if len(b.records) == 0 {
		return nil
	}
	result := make([]OperationRecord, 0, len(b.records))
	result = append(result, b.records[b.writeIdx:]...)
	result = append(result, b.records[:b.writeIdx]...)
	return result
}

// UpdateLast applies fn to the newest record of the given kind. Returns
// false if there is none.
func (b *operationHistoryBuffer) UpdateLast(kind string, fn func(*OperationRecord)) bool {
	n := len(b.records)
	for i := 0; i < n; i++ {
		// walk backwards from the newest record
		idx := (b.writeIdx - 1 - i + 2*n) % n
		if b.records[idx].Kind == kind {
			fn(&b.records[idx])
			return true
		}
	}
	return false
}

// summarizeHistory renders records on one line, newest last, for use as an
// event context value.
func summarizeHistory(records []OperationRecord) string {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		var b strings.Builder
		switch {
		case r.LLM != nil:
			fmt.Fprintf(&b, "llm %s msgs=%d", r.LLM.Model, r.LLM.MessageCount)
			if r.LLM.FinishReason != "" {
				fmt.Fprintf(&b, " finish=%s", r.LLM.FinishReason)
			}
			if len(r.LLM.ToolCallNames) > 0 {
				fmt.Fprintf(&b, " calls=%s", strings.Join(r.LLM.ToolCallNames, ","))
			}
		case r.Tool != nil:
			fmt.Fprintf(&b, "tool %s in=%dB", r.Tool.Name, r.Tool.InputSize)
			if r.Tool.Done {
				fmt.Fprintf(&b, " out=%dB", r.Tool.OutputSize)
			} else {
				b.WriteString(" unfinished")
			}
		default:
			b.WriteString(r.Kind)
		}
		if r.Duration > 0 {
			fmt.Fprintf(&b, " %s", r.Duration.Round(time.Millisecond))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " > ")
}
