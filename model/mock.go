package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/truffle-ai/saiki-sub003/core"
)

// MockBackend is a lightweight in-memory Backend useful for tests and
// examples. Responses and errors are served from a scripted queue in FIFO
// order; once the queue drains, Complete echoes the last user message.
type MockBackend struct {
	mu       sync.Mutex
	queue    []mockStep
	requests []Request
	info     Info
}

type mockStep struct {
	resp *Response
	err  error
}

// NewMockBackend constructs a MockBackend with tool support enabled.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		info: Info{Name: "mock-model", Provider: ProviderMock, SupportsTools: true},
	}
}

// EnqueueMessage scripts an assistant message (with optional tool calls) as
// the next completion.
func (m *MockBackend) EnqueueMessage(msg core.Message, usage *TokenUsage) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{resp: &Response{Message: msg, Usage: usage}})
	return m
}

// EnqueueText scripts a plain assistant text reply.
func (m *MockBackend) EnqueueText(text string) *MockBackend {
	return m.EnqueueMessage(core.NewAssistantMessage(text), &TokenUsage{TotalTokens: 10})
}

// EnqueueError scripts a failure as the next completion outcome.
func (m *MockBackend) EnqueueError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockStep{err: err})
	return m
}

// Complete implements Backend, serving the scripted queue.
func (m *MockBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.queue) > 0 {
		step := m.queue[0]
		m.queue = m.queue[1:]
		if step.err != nil {
			return nil, step.err
		}
		return step.resp, nil
	}

	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			lastUser = req.Messages[i].Content
			break
		}
	}
	return &Response{
		Message:      core.NewAssistantMessage(fmt.Sprintf("Mock response to: %s", lastUser)),
		Usage:        &TokenUsage{TotalTokens: 10},
		FinishReason: "stop",
	}, nil
}

// Requests returns every request seen so far, in order.
func (m *MockBackend) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Info implements Backend.
func (m *MockBackend) Info() Info { return m.info }
