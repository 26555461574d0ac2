package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Definition declaratively exposes a callable tool. Parameters is a JSON
// Schema object provided verbatim to model backends.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Gateway executes named tool calls on behalf of sessions. Implementations
// must be safe for concurrent use across sessions; within one session the
// engine serializes calls in backend-returned order.
type Gateway interface {
	// ListTools returns the tool catalog offered to model backends.
	ListTools(ctx context.Context) ([]Definition, error)

	// Execute runs the named tool with already-parsed arguments. The session
	// id lets gateways scope side effects or track provenance. Failures are
	// reported as *ExecutionError.
	Execute(ctx context.Context, name string, args map[string]any, sessionID string) (any, error)
}

// ExecutionError reports a failed tool invocation. The engine converts it
// into an error tool-result payload; it never aborts a turn.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ParseArguments decodes a raw JSON argument payload into a map. An empty
// payload yields an empty map; malformed payloads return an error the caller
// records as an error tool result.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	args := make(map[string]any)
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	return args, nil
}
