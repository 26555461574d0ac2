// Package openai adapts the OpenAI Chat Completions API (with function/tool
// calling) to the generic model.Backend interface.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/model"
)

// Options configure the OpenAI backend. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Backend wraps the OpenAI Chat Completions API behind model.Backend.
type Backend struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI backend using the official client.
func New(optFns ...func(o *Options)) *Backend {
	opts := applyOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Backend{client: &client, opts: opts}
}

// NewFromClient creates an OpenAI backend from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	return &Backend{client: client, opts: applyOptions(optFns)}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Complete implements model.Backend for the non-streaming completions path.
func (b *Backend) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               b.opts.Model,
		Temperature:         openai.Float(b.opts.Temperature),
		MaxCompletionTokens: openai.Int(b.opts.MaxCompletionTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}

	choice := resp.Choices[0]
	msg := core.NewAssistantMessage(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}

	return &model.Response{
		Message: msg,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		FinishReason: choice.FinishReason,
	}, nil
}

// Info returns metadata describing this backend.
func (b *Backend) Info() model.Info {
	return model.Info{
		Name:          b.opts.Model,
		Provider:      model.ProviderOpenAI,
		SupportsTools: true,
	}
}

// classify converts SDK errors into classified BackendErrors.
func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return model.Classify(model.ProviderOpenAI, apierr.StatusCode, apierr.Error(), err)
	}
	return model.Classify(model.ProviderOpenAI, 0, err.Error(), err)
}

// buildMessages converts the conversation log into OpenAI chat messages. The
// system prompt leads; tool results become tool messages keyed by call id,
// which the API requires directly after the assistant message that issued
// the calls. The engine maintains that ordering in the log itself.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toToolCallParams(m.ToolCalls),
			}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			if m.Content != "" {
				messages = append(messages, openai.UserMessage(m.Content))
			}
		}
	}
	return messages
}

func toToolCallParams(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, call := range calls {
		out[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		}
	}
	return out
}

// buildTools converts tool definitions to OpenAI tool params.
func buildTools(tools []model.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}
