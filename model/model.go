package model

import (
	"context"

	"github.com/truffle-ai/saiki-sub003/core"
)

// Providers accepted by Config.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset
// expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized backend input produced by the engine.
// Tools may be nil: retry attempts after a failed thinking step omit the
// catalog entirely to force a plain answer.
type Request struct {
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is the completed assistant turn returned by a backend.
type Response struct {
	Message      core.Message `json:"message"`
	Usage        *TokenUsage  `json:"usage,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// Info contains metadata about a backend implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Backend is the minimal interface the engine requires from a model
// provider. Complete turns a message history plus optional tool catalog into
// one assistant response; failures must be classified via BackendError so
// the engine can repair or retry without inspecting provider text.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the backend implementation.
	Info() Info
}

// Config selects and parameterizes a backend provider. It is the unit of
// cross-session reconfiguration: the session manager validates a Config and
// swaps backends per session without touching loop state.
type Config struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// Validate checks the config for structural problems. It does not verify
// credentials against the provider.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderMock:
	case "":
		return &core.ConfigError{Field: "provider", Reason: "is required"}
	default:
		return &core.ConfigError{Field: "provider", Reason: "must be one of anthropic, openai, mock"}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return &core.ConfigError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if c.MaxTokens < 0 {
		return &core.ConfigError{Field: "max_tokens", Reason: "must not be negative"}
	}
	return nil
}

// Factory builds a Backend from a validated Config. The session layer takes
// a Factory so it stays decoupled from concrete adapter packages; the root
// package wires the default factory that knows every bundled provider.
type Factory func(cfg Config) (Backend, error)
