package testutil

import (
	"encoding/json"

	"github.com/truffle-ai/saiki-sub003/core"
)

// TranscriptBuilder constructs conversation logs with fluent chaining for
// tests.
// Example:
//
//	msgs := NewTranscript().
//	    User("what's the weather?").
//	    AssistantCall("check the tool", Call("toolu_1", "get_weather", `{"city":"Berlin"}`)).
//	    ToolResult("toolu_1", "get_weather", `{"temp": 21}`).
//	    Assistant("It's 21 degrees.").
//	    Build()
type TranscriptBuilder struct {
	msgs []core.Message
}

// NewTranscript creates an empty transcript builder.
func NewTranscript() *TranscriptBuilder { return &TranscriptBuilder{} }

// Call constructs a tool call for AssistantCall.
func Call(id, name, args string) core.ToolCall {
	return core.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// User appends a user message (chainable).
func (b *TranscriptBuilder) User(text string) *TranscriptBuilder {
	b.msgs = append(b.msgs, core.NewUserMessage(text))
	return b
}

// Assistant appends a plain assistant message (chainable).
func (b *TranscriptBuilder) Assistant(text string) *TranscriptBuilder {
	b.msgs = append(b.msgs, core.NewAssistantMessage(text))
	return b
}

// AssistantCall appends an assistant message carrying tool calls (chainable).
func (b *TranscriptBuilder) AssistantCall(text string, calls ...core.ToolCall) *TranscriptBuilder {
	b.msgs = append(b.msgs, core.NewAssistantMessage(text, calls...))
	return b
}

// ToolResult appends a successful tool result (chainable).
func (b *TranscriptBuilder) ToolResult(callID, toolName string, result any) *TranscriptBuilder {
	b.msgs = append(b.msgs, core.NewToolResultMessage(callID, toolName, result))
	return b
}

// ToolError appends a failed tool result (chainable).
func (b *TranscriptBuilder) ToolError(callID, toolName string, err error) *TranscriptBuilder {
	b.msgs = append(b.msgs, core.NewToolErrorMessage(callID, toolName, err))
	return b
}

// Build returns the assembled message log.
func (b *TranscriptBuilder) Build() []core.Message {
	return core.CloneMessages(b.msgs)
}
