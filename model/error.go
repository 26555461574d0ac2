package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies a backend failure. The engine branches on Kind alone;
// provider message text is only ever inspected here, at the adapter
// boundary.
type ErrorKind string

// Backend failure classes.
const (
	// KindRateLimited: the provider throttled the request; retry after
	// backoff.
	KindRateLimited ErrorKind = "rate_limited"
	// KindContextTooLong: the request exceeded the provider's context
	// window; compact history and retry.
	KindContextTooLong ErrorKind = "context_too_long"
	// KindDanglingToolCall: the history contains a tool result whose id the
	// backend never issued; delete exactly those results and retry.
	KindDanglingToolCall ErrorKind = "dangling_tool_call"
	// KindMissingToolResponse: the backend reported tool call ids without a
	// matching result; synthesize placeholders for exactly those ids and
	// retry.
	KindMissingToolResponse ErrorKind = "missing_tool_response"
	// KindUnknown: anything else; retried within the attempt budget then
	// surfaced as a turn-level failure.
	KindUnknown ErrorKind = "unknown"
)

// BackendError is the classified form of a provider failure. ToolCallIDs is
// populated for the dangling/missing kinds and names exactly the ids the
// provider complained about.
type BackendError struct {
	Kind        ErrorKind
	Provider    string
	StatusCode  int
	ToolCallIDs []string
	Err         error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend error (%s): %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s backend error (%s)", e.Provider, e.Kind)
}

func (e *BackendError) Unwrap() error { return e.Err }

// AsBackendError unwraps err into a *BackendError if one is in the chain.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Provider tool call id shapes: Anthropic issues toolu_..., OpenAI call_...
var toolIDPattern = regexp.MustCompile(`(?:toolu|call)_[A-Za-z0-9_-]+`)

// ExtractToolCallIDs pulls provider-issued tool call ids out of an error
// message, deduplicated in first-seen order.
func ExtractToolCallIDs(msg string) []string {
	matches := toolIDPattern.FindAllString(msg, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, id := range matches {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Classify converts a provider failure (HTTP status plus response message)
// into a structured BackendError. Adapters call this with their provider's
// raw error text so the rest of the system never string-matches.
func Classify(provider string, status int, msg string, cause error) *BackendError {
	be := &BackendError{Kind: KindUnknown, Provider: provider, StatusCode: status, Err: cause}
	lower := strings.ToLower(msg)

	switch {
	case status == 429 || containsAny(lower, "rate limit", "quota exceeded", "overloaded"):
		be.Kind = KindRateLimited
	case isDangling(lower):
		be.Kind = KindDanglingToolCall
		be.ToolCallIDs = ExtractToolCallIDs(msg)
	case isMissing(lower):
		be.Kind = KindMissingToolResponse
		be.ToolCallIDs = ExtractToolCallIDs(msg)
	case status == 413 || containsAny(lower,
		"context length", "maximum context", "prompt is too long", "too many tokens"):
		be.Kind = KindContextTooLong
	}
	return be
}

// isDangling matches provider complaints about a tool result referencing an
// id that was never issued (Anthropic: unexpected tool_use_id; OpenAI:
// tool_call_id not found in tool_calls).
func isDangling(lower string) bool {
	if strings.Contains(lower, "tool_use_id") && strings.Contains(lower, "unexpected") {
		return true
	}
	return strings.Contains(lower, "tool_call_id") && strings.Contains(lower, "not found")
}

// isMissing matches provider complaints about tool calls left without a
// result (Anthropic: tool_use without tool_result; OpenAI: tool_calls must
// be followed by tool messages).
func isMissing(lower string) bool {
	if strings.Contains(lower, "tool_use") && strings.Contains(lower, "without") &&
		strings.Contains(lower, "tool_result") {
		return true
	}
	if strings.Contains(lower, "must be followed by tool") {
		return true
	}
	return strings.Contains(lower, "tool_call_id") && strings.Contains(lower, "did not have")
}

// containsAny checks if s contains any of the substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
