package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/logging"
	"github.com/truffle-ai/saiki-sub003/model"
	"github.com/truffle-ai/saiki-sub003/tool"
)

// DefaultMaxIterations caps think/act cycles within one turn.
const DefaultMaxIterations = 20

// History mirrors the engine's working log to durable storage. Append is
// called once per message, in log order. Mirror failures are logged and do
// not abort the turn; the in-memory log remains authoritative until the next
// successful append.
type History interface {
	Append(ctx context.Context, msg core.Message) error
}

// Options configures an Engine.
//
// Example:
//
//	eng := engine.New(backend, gateway, func(o *engine.Options) {
//	    o.SessionID = "support-42"
//	    o.SystemPrompt = "You are a helpful assistant."
//	    o.MaxIterations = 10
//	})
type Options struct {
	// SessionID is attached to tool executions and emitted events.
	SessionID string

	// SystemPrompt is passed to the backend on every request. It is not part
	// of the message log.
	SystemPrompt string

	// MaxIterations caps think/act cycles per turn. Defaults to
	// DefaultMaxIterations.
	MaxIterations int

	// Retry tunes the per-thinking-step retry behavior.
	Retry RetryConfig

	// Budget bounds the history window sent to the backend.
	Budget TokenBudget

	// Limiter gates every backend attempt when set. Shared limiters give
	// process-wide throttling across sessions.
	Limiter *rate.Limiter

	// History receives every appended message for durable mirroring.
	History History

	// Logger receives structured loop diagnostics. Defaults to a no-op.
	Logger logging.Logger

	// Sink receives turn events. Nil disables emission.
	Sink core.EventSink
}

// Result is the outcome of one completed turn.
type Result struct {
	// FinalText is the assistant's closing message for the turn.
	FinalText string

	// Usage is the token usage accumulated across every backend call of the
	// turn.
	Usage model.TokenUsage

	// Iterations is the number of think/act cycles consumed.
	Iterations int

	// ForcedStop reports that the iteration cap ended the turn before the
	// backend produced a plain answer.
	ForcedStop bool
}

// Engine drives the conversation loop for a single session. It owns the
// in-memory working log and serializes turns: a Run while another Run is in
// flight returns core.ErrSessionBusy.
type Engine struct {
	opts Options

	backendMu sync.RWMutex
	backend   model.Backend

	gateway tool.Gateway

	running atomic.Bool

	// messages is the working log. It is only mutated by the goroutine that
	// holds the running flag, and read by accessors under stateMu.
	stateMu   sync.RWMutex
	messages  []core.Message
	usage     model.TokenUsage
	compactor *compactor
}

// New constructs an Engine around a backend and a tool gateway.
func New(backend model.Backend, gateway tool.Gateway, optFns ...func(*Options)) *Engine {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		Retry:         DefaultRetryConfig(),
		Budget:        DefaultTokenBudget(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Engine{
		opts:      opts,
		backend:   backend,
		gateway:   gateway,
		compactor: newCompactor(opts.Budget),
	}
}

// Busy reports whether a turn is currently in flight. Lifecycle code uses
// this to defer eviction until the engine is idle.
func (e *Engine) Busy() bool {
	return e.running.Load()
}

// Restore seeds the working log from durably stored history. It must be
// called before the first Run, typically during session rehydration.
func (e *Engine) Restore(msgs []core.Message) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.messages = core.CloneMessages(msgs)
}

// Messages returns a copy of the working log.
func (e *Engine) Messages() []core.Message {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return core.CloneMessages(e.messages)
}

// Usage returns the token usage accumulated across all turns.
func (e *Engine) Usage() model.TokenUsage {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.usage
}

// SetBackend swaps the model backend. The swap takes effect on the next
// backend call; loop state and history are untouched.
func (e *Engine) SetBackend(b model.Backend) {
	e.backendMu.Lock()
	defer e.backendMu.Unlock()
	e.backend = b
}

// Backend returns the current model backend.
func (e *Engine) Backend() model.Backend {
	e.backendMu.RLock()
	defer e.backendMu.RUnlock()
	return e.backend
}

// Run executes one turn: it appends the user input, then loops through
// thinking and tool execution until the backend answers without tool calls
// or MaxIterations is reached. Exactly one of a Result or an error is
// returned; on error the working log still ends with an assistant message
// describing the failure, so the history stays well formed.
func (e *Engine) Run(ctx context.Context, input string) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, core.ErrSessionBusy
	}
	defer e.running.Store(false)

	turnID := uuid.NewString()
	e.opts.Sink.Emit(core.Event{Kind: core.EventTurnStart, SessionID: e.opts.SessionID, TurnID: turnID})
	e.opts.Logger.Debug("turn started", "session_id", e.opts.SessionID, "turn_id", turnID)

	e.append(ctx, core.NewUserMessage(input))

	var turnUsage model.TokenUsage
	for iter := 1; iter <= e.opts.MaxIterations; iter++ {
		resp, err := e.think(ctx, iter)
		if err != nil {
			e.append(ctx, core.NewAssistantMessage(fmt.Sprintf("Error during turn: %v", err)))
			e.opts.Sink.Emit(core.Event{
				Kind: core.EventTurnError, SessionID: e.opts.SessionID,
				TurnID: turnID, Iteration: iter, Err: err,
			})
			e.opts.Logger.Error("turn failed", "session_id", e.opts.SessionID,
				"turn_id", turnID, "iteration", iter, "error", err)
			return nil, err
		}
		turnUsage.Add(resp.Usage)
		e.recordUsage(resp.Usage)

		assistant := resp.Message
		e.append(ctx, assistant)

		if !assistant.HasToolCalls() {
			e.opts.Sink.Emit(core.Event{
				Kind: core.EventTurnComplete, SessionID: e.opts.SessionID,
				TurnID: turnID, Iteration: iter,
			})
			return &Result{FinalText: assistant.Content, Usage: turnUsage, Iterations: iter}, nil
		}

		e.executeToolCalls(ctx, turnID, iter, assistant.ToolCalls)
		if n := e.resolveOrphans(ctx, assistant.ToolCalls); n > 0 {
			e.opts.Logger.Warn("synthesized placeholder tool results",
				"session_id", e.opts.SessionID, "turn_id", turnID, "count", n)
		}
	}

	final := core.NewAssistantMessage(fmt.Sprintf(
		"Stopped after %d tool iterations without reaching a final answer. "+
			"The results gathered so far are recorded above.", e.opts.MaxIterations))
	e.append(ctx, final)
	e.opts.Sink.Emit(core.Event{
		Kind: core.EventTurnComplete, SessionID: e.opts.SessionID,
		TurnID: turnID, Iteration: e.opts.MaxIterations,
	})
	e.opts.Logger.Warn("turn hit iteration cap", "session_id", e.opts.SessionID,
		"turn_id", turnID, "max_iterations", e.opts.MaxIterations)
	return &Result{
		FinalText:  final.Content,
		Usage:      turnUsage,
		Iterations: e.opts.MaxIterations,
		ForcedStop: true,
	}, nil
}

// think performs one backend call with retry. The first attempt offers the
// tool catalog; remaining attempts omit it so a struggling backend can close
// the turn with a plain answer. Classified failures trigger in-place repair
// (dangling/missing tool pairing), history compaction (context overflow), or
// exponential backoff (throttling, unknown) before the next attempt.
func (e *Engine) think(ctx context.Context, iteration int) (*model.Response, error) {
	catalog, err := e.gateway.ListTools(ctx)
	if err != nil {
		e.opts.Logger.Warn("tool catalog unavailable, continuing without tools", "error", err)
		catalog = nil
	}

	maxAttempts := e.opts.Retry.MaxAttempts
	delay := e.opts.Retry.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.opts.Limiter != nil {
			if err := e.opts.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req := model.Request{
			Messages:     e.window(),
			SystemPrompt: e.opts.SystemPrompt,
		}
		if attempt == 1 {
			req.Tools = toToolDefinitions(catalog)
		}

		backend := e.Backend()
		start := time.Now()
		resp, err := backend.Complete(ctx, req)
		if err == nil {
			e.logBackendCall(backend, resp, start, nil)
			e.compactor.record(resp.Usage, req.Messages)
			return resp, nil
		}
		e.logBackendCall(backend, nil, start, err)
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		if be, ok := model.AsBackendError(err); ok {
			switch be.Kind {
			case model.KindDanglingToolCall:
				removed := e.removeToolResults(be.ToolCallIDs)
				e.opts.Logger.Info("removed dangling tool results",
					"ids", be.ToolCallIDs, "removed", removed)
				continue
			case model.KindMissingToolResponse:
				added := e.appendPlaceholders(ctx, be.ToolCallIDs)
				e.opts.Logger.Info("added placeholder tool results",
					"ids", be.ToolCallIDs, "added", added)
				continue
			case model.KindContextTooLong:
				e.compactor.tighten()
				e.opts.Logger.Info("context overflow, tightened history budget",
					"iteration", iteration, "attempt", attempt)
				continue
			}
		}

		e.opts.Logger.Warn("backend call failed, backing off",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.opts.Retry.MaxInterval {
			delay = e.opts.Retry.MaxInterval
		}
	}
	return nil, fmt.Errorf("backend failed after %d attempts: %w", maxAttempts, lastErr)
}

// executeToolCalls runs every requested call sequentially, in backend order,
// and appends exactly one tool result per call. Tool failures (including
// unparseable arguments) become error payloads in the result, never
// turn-level errors.
func (e *Engine) executeToolCalls(ctx context.Context, turnID string, iteration int, calls []core.ToolCall) {
	for i := range calls {
		call := calls[i]
		e.opts.Sink.Emit(core.Event{
			Kind: core.EventToolCallIssued, SessionID: e.opts.SessionID,
			TurnID: turnID, Iteration: iteration, ToolCall: &call,
		})

		var msg core.Message
		args, err := tool.ParseArguments(call.Arguments)
		if err != nil {
			msg = core.NewToolErrorMessage(call.ID, call.Name, err)
		} else {
			start := time.Now()
			result, execErr := e.gateway.Execute(ctx, call.Name, args, e.opts.SessionID)
			e.logToolCall(call.Name, time.Since(start), execErr)
			if execErr != nil {
				msg = core.NewToolErrorMessage(call.ID, call.Name, execErr)
			} else {
				msg = core.NewToolResultMessage(call.ID, call.Name, result)
			}
		}

		e.append(ctx, msg)
		e.opts.Sink.Emit(core.Event{
			Kind: core.EventToolResult, SessionID: e.opts.SessionID,
			TurnID: turnID, Iteration: iteration, ToolCall: &call, Result: &msg,
		})
	}
}

// append adds msg to the working log and mirrors it to durable history.
// Mirror failures are logged; the in-memory log stays authoritative.
func (e *Engine) append(ctx context.Context, msg core.Message) {
	e.stateMu.Lock()
	e.messages = append(e.messages, msg)
	e.stateMu.Unlock()

	if e.opts.History == nil {
		return
	}
	if err := e.opts.History.Append(ctx, msg); err != nil {
		e.opts.Logger.Error("history mirror append failed",
			"session_id", e.opts.SessionID, "role", msg.Role, "error", err)
	}
}

// window returns the compacted history slice for the next backend request.
func (e *Engine) window() []core.Message {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.compactor.compact(e.messages)
}

func (e *Engine) recordUsage(u *model.TokenUsage) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.usage.Add(u)
}

func (e *Engine) logToolCall(name string, dur time.Duration, err error) {
	if tl, ok := e.opts.Logger.(interface {
		LogToolCall(tool string, dur time.Duration, err error)
	}); ok {
		tl.LogToolCall(name, dur, err)
		return
	}
	e.opts.Logger.Debug("tool executed", "tool", name, "duration", dur, "error", err)
}

func (e *Engine) logBackendCall(b model.Backend, resp *model.Response, start time.Time, err error) {
	tokens := 0
	if resp != nil && resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	if rl, ok := e.opts.Logger.(interface {
		LogBackendCall(name string, tokens int, dur time.Duration, err error)
	}); ok {
		rl.LogBackendCall(b.Info().Name, tokens, time.Since(start), err)
		return
	}
	if err != nil {
		e.opts.Logger.Warn("backend call failed", "model", b.Info().Name,
			"duration", time.Since(start), "error", err)
		return
	}
	e.opts.Logger.Debug("backend call completed", "model", b.Info().Name,
		"tokens", tokens, "duration", time.Since(start))
}

func toToolDefinitions(defs []tool.Definition) []model.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]model.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = model.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}
