package engine

import (
	"context"
	"encoding/json"

	"github.com/truffle-ai/saiki-sub003/core"
)

// placeholderPayload is the content of a synthesized tool result. The model
// sees it as an ordinary error payload and can recover on the next
// iteration.
var placeholderPayload = mustJSON(map[string]string{
	"error": "tool result unavailable; a placeholder was recorded so the conversation can continue",
})

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// resolveOrphans guarantees the pairing invariant after tool execution:
// every call id issued by the most recent assistant message must have
// exactly one tool result. Unresolved ids get a synthesized placeholder
// result. Returns the number of placeholders added.
func (e *Engine) resolveOrphans(ctx context.Context, calls []core.ToolCall) int {
	e.stateMu.RLock()
	resolved := make(map[string]bool, len(calls))
	for i := len(e.messages) - 1; i >= 0; i-- {
		m := e.messages[i]
		if m.IsToolResult() {
			resolved[m.ToolCallID] = true
			continue
		}
		if m.Role == core.RoleAssistant {
			break
		}
	}
	e.stateMu.RUnlock()

	added := 0
	for _, call := range calls {
		if resolved[call.ID] {
			continue
		}
		e.append(ctx, placeholderResult(call.ID, call.Name))
		added++
	}
	return added
}

// appendPlaceholders synthesizes a result for each backend-reported
// unresolved call id, skipping ids that already have a result. The tool name
// is recovered from the issuing assistant message when possible.
func (e *Engine) appendPlaceholders(ctx context.Context, ids []string) int {
	e.stateMu.RLock()
	names := make(map[string]string, len(ids))
	have := make(map[string]bool)
	for _, m := range e.messages {
		if m.IsToolResult() {
			have[m.ToolCallID] = true
			continue
		}
		for _, call := range m.ToolCalls {
			names[call.ID] = call.Name
		}
	}
	e.stateMu.RUnlock()

	added := 0
	for _, id := range ids {
		if id == "" || have[id] {
			continue
		}
		e.append(ctx, placeholderResult(id, names[id]))
		added++
	}
	return added
}

// removeToolResults deletes exactly the tool results whose call ids the
// backend rejected as dangling. Only the working log is touched; the durable
// mirror is append-only and is never rewritten. Returns the number of
// messages removed.
func (e *Engine) removeToolResults(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	reject := make(map[string]bool, len(ids))
	for _, id := range ids {
		reject[id] = true
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	kept := e.messages[:0]
	removed := 0
	for _, m := range e.messages {
		if m.IsToolResult() && reject[m.ToolCallID] {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	e.messages = kept
	return removed
}

func placeholderResult(callID, toolName string) core.Message {
	msg := core.NewToolResultMessage(callID, toolName, json.RawMessage(placeholderPayload))
	return msg
}
