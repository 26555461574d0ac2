// Package saiki provides a high-level façade over the session manager and
// conversation engine for building tool-using chat applications. Most
// applications interact with this package by:
//  1. Creating a Runtime via New() (optionally overriding stores, backend
//     config and the tool gateway)
//  2. Starting it with Start() to restore durable sessions and begin idle
//     eviction
//  3. Running turns against the default session (Run) or named sessions
//     (RunSession)
//
// All defaults are safe for local development and testing: in-memory stores,
// a mock model backend and a no-op logger. Production deployments supply a
// SQLite (or other) store, a real provider config and a structured logger.
package saiki

import (
	"context"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/engine"
	"github.com/truffle-ai/saiki-sub003/logging"
	"github.com/truffle-ai/saiki-sub003/model"
	"github.com/truffle-ai/saiki-sub003/model/anthropic"
	"github.com/truffle-ai/saiki-sub003/model/openai"
	"github.com/truffle-ai/saiki-sub003/session"
	"github.com/truffle-ai/saiki-sub003/store"
	"github.com/truffle-ai/saiki-sub003/tool"
)

// Options configures the Runtime.
type Options struct {
	// Backend selects the model provider. Defaults to the mock backend so a
	// zero-config Runtime works offline.
	Backend model.Config

	// SystemPrompt is given to every session.
	SystemPrompt string

	// MaxSessions and SessionTTL bound session admission and idle lifetime.
	// Zero values take the manager defaults.
	MaxSessions int
	SessionTTL  time.Duration

	// MaxIterations caps think/act cycles per turn.
	MaxIterations int

	// Gateway executes tool calls. Defaults to an empty in-process registry;
	// use tool.NewRegistry plus Register to add tools.
	Gateway tool.Gateway

	// Stores default to in-memory implementations if not provided.
	Metadata store.KV
	History  store.KV
	Cache    store.KV

	// RequestsPerSecond throttles backend calls across all sessions when
	// positive.
	RequestsPerSecond float64

	// Factory builds model backends from configs. Defaults to
	// DefaultBackendFactory, which knows every bundled provider.
	Factory model.Factory

	// Logger defaults to NoOp if nil.
	Logger logging.Logger

	// Sink receives turn events from every session.
	Sink core.EventSink
}

// Runtime is the high-level façade aggregating the session manager and its
// collaborators.
type Runtime struct {
	opts    Options
	manager *session.Manager
}

// New creates a Runtime with optional overrides. Any unset collaborator is
// initialized with a safe default.
func New(optFns ...func(o *Options)) (*Runtime, error) {
	opts := Options{
		Backend: model.Config{Provider: model.ProviderMock},
		Factory: DefaultBackendFactory,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	mgr, err := session.NewManager(session.Config{
		MaxSessions:       opts.MaxSessions,
		SessionTTL:        opts.SessionTTL,
		SystemPrompt:      opts.SystemPrompt,
		MaxIterations:     opts.MaxIterations,
		Backend:           opts.Backend,
		Factory:           opts.Factory,
		Gateway:           opts.Gateway,
		Metadata:          opts.Metadata,
		History:           opts.History,
		Cache:             opts.Cache,
		RequestsPerSecond: opts.RequestsPerSecond,
		Logger:            opts.Logger,
		Sink:              opts.Sink,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{opts: opts, manager: mgr}, nil
}

// Start restores durable sessions and begins idle eviction. It must be
// called before running turns and is idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	return r.manager.Init(ctx)
}

// Sessions exposes the underlying session manager for lifecycle operations
// beyond the façade helpers.
func (r *Runtime) Sessions() *session.Manager { return r.manager }

// Run executes one turn against the default session and returns the final
// assistant text.
func (r *Runtime) Run(ctx context.Context, input string) (string, error) {
	sess, err := r.manager.Default(ctx)
	if err != nil {
		return "", err
	}
	res, err := sess.Run(ctx, input)
	if err != nil {
		return "", err
	}
	return res.FinalText, nil
}

// RunSession executes one turn against the named session, admitting it on
// first use.
func (r *Runtime) RunSession(ctx context.Context, sessionID, input string) (*engine.Result, error) {
	sess, err := r.manager.Create(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Run(ctx, input)
}

// Close shuts down the session manager. Durable state is left intact.
func (r *Runtime) Close() error {
	return r.manager.Close()
}

// DefaultBackendFactory builds a backend for every bundled provider. The
// session manager takes it as a model.Factory so it never imports adapter
// packages directly.
func DefaultBackendFactory(cfg model.Config) (model.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case model.ProviderAnthropic:
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.APIKey = cfg.APIKey
		}), nil
	case model.ProviderOpenAI:
		return openai.New(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.APIKey = cfg.APIKey
		}), nil
	default:
		return model.NewMockBackend(), nil
	}
}
