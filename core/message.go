package core

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

// Conversation roles. RoleTool marks a tool result correlated to a prior
// assistant tool call via Message.ToolCallID.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall describes a function invocation requested by the model backend.
// The ID is opaque and backend-issued; it is the correlation key between an
// assistant message and the tool result that resolves it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is a single record in a session's append-only conversation log.
//
// The variant is encoded by Role:
//   - system/user: Content only
//   - assistant: Content plus zero or more ToolCalls
//   - tool: Content (JSON result payload) plus ToolCallID / ToolName
//
// Invariant: every tool message's ToolCallID must reference a ToolCalls
// entry of a previously appended assistant message, and every assistant
// message carrying tool calls must be resolved by exactly one tool message
// per call id before the next backend request.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewSystemMessage creates a system instruction message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text, Timestamp: time.Now().UTC()}
}

// NewUserMessage creates a user-authored text message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage creates an assistant message with optional tool calls.
func NewAssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// NewToolResultMessage records the successful outcome of a tool call. The
// result is JSON-encoded into Content; values that fail to marshal are
// stored via their string representation.
func NewToolResultMessage(callID, toolName string, result any) Message {
	var content string
	switch v := result.(type) {
	case string:
		content = v
	case json.RawMessage:
		content = string(v)
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		}
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
		Timestamp:  time.Now().UTC(),
	}
}

// NewToolErrorMessage records a failed tool call as a structured error
// payload. Tool failures are data, not turn-level errors: the payload is fed
// back to the model on the next iteration.
func NewToolErrorMessage(callID, toolName string, err error) Message {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Message{
		Role:       RoleTool,
		Content:    string(payload),
		ToolCallID: callID,
		ToolName:   toolName,
		Timestamp:  time.Now().UTC(),
	}
}

// IsToolResult reports whether the message resolves a tool call.
func (m Message) IsToolResult() bool { return m.Role == RoleTool && m.ToolCallID != "" }

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return m.Role == RoleAssistant && len(m.ToolCalls) > 0 }

// CloneMessages returns a defensive copy of a message slice. ToolCalls
// slices are copied so callers cannot mutate shared history.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			calls := make([]ToolCall, len(out[i].ToolCalls))
			copy(calls, out[i].ToolCalls)
			out[i].ToolCalls = calls
		}
	}
	return out
}
