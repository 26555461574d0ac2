package core

import "time"

// EventKind categorizes turn notifications.
type EventKind string

// Turn event kinds, emitted in order within a single turn. A turn ends with
// exactly one of EventTurnComplete or EventTurnError.
const (
	EventTurnStart      EventKind = "turn_start"
	EventToolCallIssued EventKind = "tool_call_issued"
	EventToolResult     EventKind = "tool_result"
	EventTurnComplete   EventKind = "turn_complete"
	EventTurnError      EventKind = "turn_error"
)

// Event is a typed turn notification delivered to an EventSink. Events are
// observational only; the conversation loop never depends on sink behavior.
type Event struct {
	Kind      EventKind
	SessionID string
	TurnID    string
	Iteration int       // loop iteration the event belongs to (1-based)
	ToolCall  *ToolCall // set for tool_call_issued and tool_result
	Result    *Message  // set for tool_result
	Err       error     // set for turn_error
	Timestamp time.Time
}

// EventSink receives turn events. Implementations must be fast and must not
// block; a nil sink disables emission. Sinks are passed explicitly into the
// engine rather than registered on a process-wide emitter.
type EventSink func(Event)

// Emit delivers ev through the sink if one is configured, stamping the
// timestamp if unset.
func (s EventSink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s(ev)
}
