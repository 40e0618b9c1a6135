// llm_snapshot.go builds LLM call metadata without message text.

package agentssdk

import (
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"
)

// maxMessageSnapshots bounds how many trailing messages are described.
const maxMessageSnapshots = 10

// LLMOperation captures metadata from an LLM call. Message text is never
// stored.
type LLMOperation struct {
	Model        string
	Provider     string
	MessageCount int
	Messages     []MessageMetadata
	ToolCount    int

	FinishReason  string
	ToolCallNames []string
	TotalTokens   int
}

// MessageMetadata describes a message's shape.
type MessageMetadata struct {
	Role          string
	ContentLength int
	PartsCount    int
	HasImage      bool
	HasToolCall   bool
	HasToolResult bool
}

func buildLLMOperation(req llmsdk.Request) *LLMOperation {
	op := &LLMOperation{
		Model:        req.Model,
		Provider:     string(req.Provider),
		MessageCount: len(req.Messages),
		ToolCount:    len(req.Tools),
	}

	start := max(0, len(req.Messages)-maxMessageSnapshots)
	op.Messages = make([]MessageMetadata, 0, len(req.Messages)-start)
	for _, msg := range req.Messages[start:] {
		op.Messages = append(op.Messages, buildMessageMetadata(msg))
	}
	return op
}

func buildMessageMetadata(msg llmsdk.Message) MessageMetadata {
	md := MessageMetadata{
		Role:       string(msg.Role),
		PartsCount: len(msg.Parts),
	}
	for _, part := range msg.Parts {
		md.ContentLength += len(part.Text)
		if part.ImageData != nil {
			md.HasImage = true
		}
		if part.ToolCall != nil {
			md.HasToolCall = true
		}
		if part.ToolResult != nil {
			md.HasToolResult = true
		}
	}
	return md
}

func updateLLMOperationWithResponse(op *LLMOperation, resp llmsdk.Response) {
	if op == nil {
		return
	}
	op.FinishReason = string(resp.FinishReason)
	op.TotalTokens = resp.Usage.TotalTokens
	if len(resp.ToolCalls) > 0 {
		op.ToolCallNames = make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			op.ToolCallNames[i] = tc.Name
		}
	}
}
