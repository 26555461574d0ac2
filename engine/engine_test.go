package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/internal/testutil"
	"github.com/truffle-ai/saiki-sub003/logging"
	"github.com/truffle-ai/saiki-sub003/model"
	"github.com/truffle-ai/saiki-sub003/tool"
)

func fastRetry(o *Options) {
	o.Retry = RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	r.Register(
		tool.NewFunctionTool("echo", "Echo the input back", nil,
			func(_ context.Context, args map[string]any, _ string) (any, error) {
				return args["text"], nil
			}),
		tool.NewFunctionTool("fail", "Always fails", nil,
			func(context.Context, map[string]any, string) (any, error) {
				return nil, errors.New("service unavailable")
			}),
	)
	return r
}

func TestRunPlainAnswer(t *testing.T) {
	backend := model.NewMockBackend().EnqueueText("hello there")
	sink := testutil.NewRecordingSink()
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.SessionID = "s1"
		o.Sink = sink.Sink()
	}, fastRetry)

	res, err := eng.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.FinalText)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.ForcedStop)

	msgs := eng.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)

	assert.Equal(t, []core.EventKind{core.EventTurnStart, core.EventTurnComplete}, sink.Kinds())
}

func TestRunToolLoop(t *testing.T) {
	calls := []core.ToolCall{
		testutil.Call("toolu_1", "echo", `{"text":"pong"}`),
		testutil.Call("toolu_2", "fail", `{}`),
	}
	backend := model.NewMockBackend().
		EnqueueMessage(core.NewAssistantMessage("let me check", calls...), &model.TokenUsage{TotalTokens: 20}).
		EnqueueText("all done")
	sink := testutil.NewRecordingSink()
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.SessionID = "s1"
		o.Sink = sink.Sink()
	}, fastRetry)

	res, err := eng.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "all done", res.FinalText)
	assert.Equal(t, 2, res.Iterations)

	// Working log: user, assistant+calls, two results, final assistant.
	msgs := eng.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "toolu_1", msgs[2].ToolCallID)
	assert.Equal(t, "pong", msgs[2].Content)
	assert.Equal(t, "toolu_2", msgs[3].ToolCallID)
	assert.Contains(t, msgs[3].Content, "service unavailable")

	// The second backend request carried both results.
	reqs := backend.Requests()
	require.Len(t, reqs, 2)
	var resultIDs []string
	for _, m := range reqs[1].Messages {
		if m.IsToolResult() {
			resultIDs = append(resultIDs, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"toolu_1", "toolu_2"}, resultIDs)

	assert.Equal(t, []core.EventKind{
		core.EventTurnStart,
		core.EventToolCallIssued, core.EventToolResult,
		core.EventToolCallIssued, core.EventToolResult,
		core.EventTurnComplete,
	}, sink.Kinds())
}

func TestRunUnparseableArgumentsBecomeErrorResult(t *testing.T) {
	backend := model.NewMockBackend().
		EnqueueMessage(core.NewAssistantMessage("", testutil.Call("toolu_1", "echo", `{"broken`)), nil).
		EnqueueText("recovered")
	eng := New(backend, testRegistry(t), fastRetry)

	res, err := eng.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.FinalText)

	msgs := eng.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "toolu_1", msgs[2].ToolCallID)
	assert.Contains(t, msgs[2].Content, "error")
}

func TestRunToolsOnlyOnFirstAttempt(t *testing.T) {
	backend := model.NewMockBackend().
		EnqueueError(errors.New("transient glitch")).
		EnqueueError(errors.New("transient glitch")).
		EnqueueText("third time lucky")
	eng := New(backend, testRegistry(t), fastRetry)

	res, err := eng.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.FinalText)

	reqs := backend.Requests()
	require.Len(t, reqs, 3)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Empty(t, reqs[1].Tools)
	assert.Empty(t, reqs[2].Tools)
}

func TestRunSurfacesFailureAfterAttemptsExhausted(t *testing.T) {
	boom := errors.New("hard down")
	backend := model.NewMockBackend().
		EnqueueError(boom).EnqueueError(boom).EnqueueError(boom)
	sink := testutil.NewRecordingSink()
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.Sink = sink.Sink()
	}, fastRetry)

	_, err := eng.Run(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The log still ends with an assistant message describing the failure.
	msgs := eng.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "Error during turn")

	kinds := sink.Kinds()
	assert.Equal(t, core.EventTurnError, kinds[len(kinds)-1])
}

func TestRunRepairsDanglingToolResult(t *testing.T) {
	// A stray result left behind by an interrupted earlier process.
	seed := testutil.NewTranscript().
		User("earlier question").
		ToolResult("toolu_stray", "echo", "orphaned").
		Build()

	backend := model.NewMockBackend().
		EnqueueError(&model.BackendError{
			Kind:        model.KindDanglingToolCall,
			Provider:    "mock",
			ToolCallIDs: []string{"toolu_stray"},
		}).
		EnqueueText("repaired")
	eng := New(backend, testRegistry(t), fastRetry)
	eng.Restore(seed)

	res, err := eng.Run(context.Background(), "hi again")
	require.NoError(t, err)
	assert.Equal(t, "repaired", res.FinalText)

	for _, m := range eng.Messages() {
		assert.NotEqual(t, "toolu_stray", m.ToolCallID)
	}
}

func TestRunRepairsMissingToolResponse(t *testing.T) {
	// An assistant tool call whose result was lost.
	seed := testutil.NewTranscript().
		User("earlier question").
		AssistantCall("checking", testutil.Call("toolu_lost", "echo", `{}`)).
		Build()

	backend := model.NewMockBackend().
		EnqueueError(&model.BackendError{
			Kind:        model.KindMissingToolResponse,
			Provider:    "mock",
			ToolCallIDs: []string{"toolu_lost"},
		}).
		EnqueueText("repaired")
	eng := New(backend, testRegistry(t), fastRetry)
	eng.Restore(seed)

	res, err := eng.Run(context.Background(), "hi again")
	require.NoError(t, err)
	assert.Equal(t, "repaired", res.FinalText)

	var placeholder *core.Message
	msgs := eng.Messages()
	for i := range msgs {
		if msgs[i].ToolCallID == "toolu_lost" {
			placeholder = &msgs[i]
			break
		}
	}
	require.NotNil(t, placeholder)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(placeholder.Content), &payload))
	assert.Contains(t, payload["error"], "placeholder")
}

func TestRunForcedStop(t *testing.T) {
	backend := model.NewMockBackend()
	for i := 0; i < 2; i++ {
		backend.EnqueueMessage(
			core.NewAssistantMessage("again", testutil.Call("toolu_x", "echo", `{"text":"x"}`)),
			nil)
	}
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.MaxIterations = 2
	}, fastRetry)

	res, err := eng.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.True(t, res.ForcedStop)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.FinalText, "Stopped after 2 tool iterations")

	last := eng.Messages()[len(eng.Messages())-1]
	assert.Equal(t, core.RoleAssistant, last.Role)
}

func TestRunRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	backend := &blockingBackend{release: release}
	eng := New(backend, testRegistry(t), fastRetry)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := eng.Run(context.Background(), "slow")
		assert.NoError(t, err)
	}()

	// Wait for the first turn to occupy the engine.
	require.Eventually(t, eng.Busy, time.Second, time.Millisecond)

	_, err := eng.Run(context.Background(), "concurrent")
	assert.ErrorIs(t, err, core.ErrSessionBusy)

	close(release)
	wg.Wait()
	assert.False(t, eng.Busy())

	// After the turn finishes, new turns are accepted again.
	backend.mu.Lock()
	backend.released = true
	backend.mu.Unlock()
	_, err = eng.Run(context.Background(), "next")
	assert.NoError(t, err)
}

type blockingBackend struct {
	mu       sync.Mutex
	release  chan struct{}
	released bool
}

func (b *blockingBackend) Complete(ctx context.Context, _ model.Request) (*model.Response, error) {
	b.mu.Lock()
	done := b.released
	b.mu.Unlock()
	if !done {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &model.Response{
		Message: core.NewAssistantMessage("done"),
		Usage:   &model.TokenUsage{TotalTokens: 5},
	}, nil
}

func (b *blockingBackend) Info() model.Info {
	return model.Info{Name: "blocking", Provider: "test"}
}

func TestRunAccumulatesUsage(t *testing.T) {
	backend := model.NewMockBackend().
		EnqueueMessage(core.NewAssistantMessage("", testutil.Call("toolu_1", "echo", `{"text":"x"}`)),
			&model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}).
		EnqueueMessage(core.NewAssistantMessage("done"),
			&model.TokenUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25})
	eng := New(backend, testRegistry(t), fastRetry)

	res, err := eng.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, 40, res.Usage.TotalTokens)
	assert.Equal(t, 30, res.Usage.PromptTokens)
	assert.Equal(t, 40, eng.Usage().TotalTokens)
}

func TestRunMirrorsHistory(t *testing.T) {
	mirror := &recordingHistory{}
	backend := model.NewMockBackend().EnqueueText("hello")
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.History = mirror
	}, fastRetry)

	_, err := eng.Run(context.Background(), "hi")
	require.NoError(t, err)

	require.Len(t, mirror.msgs, 2)
	assert.Equal(t, core.RoleUser, mirror.msgs[0].Role)
	assert.Equal(t, core.RoleAssistant, mirror.msgs[1].Role)
}

func TestRunContinuesWhenMirrorFails(t *testing.T) {
	mirror := &recordingHistory{err: errors.New("disk full")}
	backend := model.NewMockBackend().EnqueueText("hello")
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.History = mirror
	}, fastRetry)

	res, err := eng.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.FinalText)
	assert.Len(t, eng.Messages(), 2)
}

// domainLogger exposes the same tool-call helper as logging.RuntimeLogger.
type domainLogger struct {
	logging.Logger

	mu    sync.Mutex
	tools []string
}

func (l *domainLogger) LogToolCall(tool string, _ time.Duration, _ error) {
	l.mu.Lock()
	l.tools = append(l.tools, tool)
	l.mu.Unlock()
}

func TestRunRoutesToolLoggingThroughHelper(t *testing.T) {
	logger := &domainLogger{Logger: logging.NoOpLogger{}}
	backend := model.NewMockBackend().
		EnqueueMessage(core.NewAssistantMessage("", testutil.Call("toolu_1", "echo", `{"text":"x"}`)), nil).
		EnqueueText("done")
	eng := New(backend, testRegistry(t), func(o *Options) {
		o.Logger = logger
	}, fastRetry)

	_, err := eng.Run(context.Background(), "go")
	require.NoError(t, err)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Equal(t, []string{"echo"}, logger.tools)
}

type recordingHistory struct {
	mu   sync.Mutex
	msgs []core.Message
	err  error
}

func (h *recordingHistory) Append(_ context.Context, msg core.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.msgs = append(h.msgs, msg)
	return nil
}
