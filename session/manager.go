package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/engine"
	"github.com/truffle-ai/saiki-sub003/internal/util"
	"github.com/truffle-ai/saiki-sub003/logging"
	"github.com/truffle-ai/saiki-sub003/model"
	"github.com/truffle-ai/saiki-sub003/store"
	"github.com/truffle-ai/saiki-sub003/tool"
)

// Manager defaults.
const (
	DefaultMaxSessions = 100
	DefaultSessionTTL  = time.Hour

	// DefaultSessionID names the implicit session used by single-conversation
	// callers.
	DefaultSessionID = "default"

	// maxSweepInterval caps the eviction sweep period for long TTLs.
	maxSweepInterval = 15 * time.Minute
)

// Config assembles a Manager. Factory is required; everything else has a
// working default (in-memory stores, empty tool registry, no-op logger).
type Config struct {
	// MaxSessions caps concurrently admitted sessions, loaded or not.
	// Defaults to DefaultMaxSessions.
	MaxSessions int

	// SessionTTL is the idle window after which a loaded session is evicted
	// from memory. Defaults to DefaultSessionTTL.
	SessionTTL time.Duration

	// SystemPrompt is given to every session's engine. Template markers are
	// rendered against per-session state, e.g. {{.SessionID}}.
	SystemPrompt string

	// MaxIterations caps think/act cycles per turn. Zero means the engine
	// default.
	MaxIterations int

	// Backend selects the model provider used for new and rehydrated
	// sessions until switched at runtime.
	Backend model.Config

	// Factory builds backends from configs. Required.
	Factory model.Factory

	// Gateway executes tool calls for every session. Defaults to an empty
	// in-process registry.
	Gateway tool.Gateway

	// Metadata, History and Cache are the durable stores. Each defaults to a
	// process-local in-memory store; production deployments point them at
	// SQLite or another shared KV.
	Metadata store.KV
	History  store.KV
	Cache    store.KV

	// RequestsPerSecond throttles backend calls across all sessions when
	// positive.
	RequestsPerSecond float64

	// Retry and Budget tune every session's engine. Zero values mean engine
	// defaults.
	Retry  engine.RetryConfig
	Budget engine.TokenBudget

	// Logger receives lifecycle and loop diagnostics. Defaults to no-op.
	Logger logging.Logger

	// Sink receives turn events from every session.
	Sink core.EventSink
}

// Stats is a point-in-time snapshot of manager state.
type Stats struct {
	TotalSessions    int           `json:"total_sessions"`
	InMemorySessions int           `json:"in_memory_sessions"`
	MaxSessions      int           `json:"max_sessions"`
	SessionTTL       time.Duration `json:"session_ttl"`
}

// SwitchReport summarizes a backend switch across sessions. A switch is
// best-effort per session: failures are collected, not fatal.
type SwitchReport struct {
	Message   string   `json:"message"`
	Warnings  []string `json:"warnings,omitempty"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

type entry struct {
	sess *ChatSession // nil while the session is evicted from memory
}

// Manager owns every session lifecycle decision: admission, hydration,
// eviction, deletion. All registry mutations serialize on one mutex, which
// makes admission linearizable: the session cap holds under arbitrary
// concurrent Create calls.
type Manager struct {
	cfg      Config
	metadata metadataStore
	history  historyStore
	cache    store.KV
	limiter  *rate.Limiter
	logger   logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	backend model.Config // current default backend config
	started bool
	closed  bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// NewManager validates cfg, applies defaults and returns an unstarted
// Manager. Call Init before use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, &core.ConfigError{Field: "factory", Reason: "is required"}
	}
	if err := cfg.Backend.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Metadata == nil {
		cfg.Metadata = store.NewMemory()
	}
	if cfg.History == nil {
		cfg.History = store.NewMemory()
	}
	if cfg.Cache == nil {
		cfg.Cache = store.NewMemory()
	}
	if cfg.Gateway == nil {
		cfg.Gateway = tool.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}

	m := &Manager{
		cfg:      cfg,
		metadata: metadataStore{kv: cfg.Metadata},
		history:  historyStore{kv: cfg.History},
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		entries:  make(map[string]*entry),
		backend:  cfg.Backend,
		stopCh:   make(chan struct{}),
	}
	if cfg.RequestsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return m, nil
}

// Init loads durable session records, purges any that expired while the
// process was down, registers the survivors as evicted (rehydrated lazily on
// access) and starts the eviction sweeper. Init is idempotent.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ids, err := m.metadata.ListIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var live []string
	for _, id := range ids {
		md, ok, err := m.metadata.Load(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if md.Expired(m.cfg.SessionTTL, now) {
			if err := m.purge(ctx, id); err != nil {
				m.logger.Warn("failed to purge expired session at startup",
					"session_id", id, "error", err)
			}
			continue
		}
		live = append(live, id)
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	for _, id := range live {
		if _, ok := m.entries[id]; !ok {
			m.entries[id] = &entry{}
		}
	}
	m.started = true
	m.mu.Unlock()

	m.done.Add(1)
	go m.sweep()

	m.logger.Info("session manager initialized",
		"restored_sessions", len(live), "max_sessions", m.cfg.MaxSessions,
		"session_ttl", m.cfg.SessionTTL)
	return nil
}

// Create admits a session. An empty id gets a generated UUID. Creating an
// id that already exists returns the existing session, hydrating it if
// needed. Once MaxSessions ids are admitted, further creation fails with
// *core.AdmissionError.
func (m *Manager) Create(ctx context.Context, id string) (*ChatSession, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrSessionDisposed
	}

	if ent, ok := m.entries[id]; ok {
		if ent.sess != nil {
			return ent.sess, nil
		}
		return m.hydrateLocked(ctx, id)
	}

	if len(m.entries) >= m.cfg.MaxSessions {
		return nil, &core.AdmissionError{Max: m.cfg.MaxSessions}
	}

	md := core.NewSessionMetadata(id)
	if err := m.metadata.Save(ctx, md); err != nil {
		return nil, err
	}
	sess, err := m.buildSession(id, nil)
	if err != nil {
		// Roll back the durable record so a failed build does not occupy an
		// admission slot.
		if derr := m.metadata.Delete(ctx, id); derr != nil {
			m.logger.Error("failed to roll back metadata after build failure",
				"session_id", id, "error", derr)
		}
		return nil, err
	}
	m.entries[id] = &entry{sess: sess}
	m.logger.Info("session created", "session_id", id, "total", len(m.entries))
	return sess, nil
}

// Get returns the session with the given id, hydrating it from durable
// storage if it was evicted. Absence is reported via ok=false, not an error.
func (m *Manager) Get(ctx context.Context, id string) (*ChatSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, core.ErrSessionDisposed
	}
	ent, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	if ent.sess != nil {
		return ent.sess, true, nil
	}
	sess, err := m.hydrateLocked(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Default returns the shared default session, creating it on first use.
func (m *Manager) Default(ctx context.Context) (*ChatSession, error) {
	return m.Create(ctx, DefaultSessionID)
}

// List returns every admitted session id, loaded or not.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Delete removes the session entirely: in-memory instance, durable history,
// cache entries and the metadata record. Deleting an unknown id is a no-op.
// Delete is terminal; the id can be re-admitted as a brand new session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	ent, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if ok && ent.sess != nil {
		ent.sess.dispose()
	}
	if err := m.purge(ctx, id); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// CleanupExpired evicts every loaded session idle past the TTL: the
// in-memory instance is disposed while metadata and history stay durable,
// so the session rehydrates on next access. Sessions with a turn in flight
// are skipped and picked up by a later sweep, so eviction never races a
// running engine for the durable log. Returns the evicted ids.
func (m *Manager) CleanupExpired(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	loaded := make([]string, 0)
	for id, ent := range m.entries {
		if ent.sess != nil {
			loaded = append(loaded, id)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	var evicted []string
	var firstErr error
	for _, id := range loaded {
		md, ok, err := m.metadata.Load(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok || !md.Expired(m.cfg.SessionTTL, now) {
			continue
		}

		m.mu.Lock()
		ent, present := m.entries[id]
		var sess *ChatSession
		if present && ent.sess != nil && !ent.sess.busy() {
			sess = ent.sess
			ent.sess = nil
		}
		m.mu.Unlock()

		if sess != nil {
			sess.dispose()
			evicted = append(evicted, id)
			m.logger.Info("session evicted", "session_id", id,
				"idle", md.IdleSince(now))
		}
	}
	return evicted, firstErr
}

// Stats returns a snapshot of session counts and limits.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for _, ent := range m.entries {
		if ent.sess != nil {
			loaded++
		}
	}
	return Stats{
		TotalSessions:    len(m.entries),
		InMemorySessions: loaded,
		MaxSessions:      m.cfg.MaxSessions,
		SessionTTL:       m.cfg.SessionTTL,
	}
}

// SwitchBackendForSession rebuilds the backend from cfg and installs it on
// one session. Loop state and history are untouched.
func (m *Manager) SwitchBackendForSession(ctx context.Context, id string, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sess, ok, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrSessionNotFound
	}
	backend, err := m.cfg.Factory(cfg)
	if err != nil {
		return err
	}
	return sess.SwitchBackend(backend)
}

// SwitchBackendForDefault switches the default session's backend and makes
// cfg the default for sessions hydrated later.
func (m *Manager) SwitchBackendForDefault(ctx context.Context, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.backend = cfg
	m.mu.Unlock()
	return m.SwitchBackendForSession(ctx, DefaultSessionID, cfg)
}

// SwitchBackendForAll switches every loaded session to cfg and makes it the
// default for future hydrations. Per-session failures are collected in the
// report; sessions that fail keep their previous backend.
func (m *Manager) SwitchBackendForAll(ctx context.Context, cfg model.Config) (*SwitchReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := m.cfg.Factory(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.backend = cfg
	loaded := make([]*ChatSession, 0)
	for _, ent := range m.entries {
		if ent.sess != nil {
			loaded = append(loaded, ent.sess)
		}
	}
	m.mu.Unlock()

	report := &SwitchReport{}
	switched := 0
	for _, sess := range loaded {
		if err := sess.SwitchBackend(backend); err != nil {
			report.FailedIDs = append(report.FailedIDs, sess.ID())
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("session %s: %v", sess.ID(), err))
			continue
		}
		switched++
	}
	report.Message = fmt.Sprintf("switched %d of %d loaded sessions to %s/%s",
		switched, len(loaded), cfg.Provider, cfg.Model)
	return report, nil
}

// Close stops the sweeper and disposes every loaded session. Durable state
// is left intact. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	var loaded []*ChatSession
	for _, ent := range m.entries {
		if ent.sess != nil {
			loaded = append(loaded, ent.sess)
			ent.sess = nil
		}
	}
	m.mu.Unlock()

	if started {
		close(m.stopCh)
		m.done.Wait()
	}
	for _, sess := range loaded {
		sess.dispose()
	}
	m.logger.Info("session manager closed", "disposed", len(loaded))
	return nil
}

// sweep periodically evicts idle sessions. The interval is a quarter of the
// TTL, capped so long TTLs still sweep regularly. A failed tick is logged
// and the sweeper keeps running.
func (m *Manager) sweep() {
	defer m.done.Done()
	interval := m.cfg.SessionTTL / 4
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.CleanupExpired(context.Background()); err != nil {
				m.logger.Warn("eviction sweep failed", "error", err)
			}
		}
	}
}

// hydrateLocked rebuilds an evicted session from durable storage. Caller
// holds m.mu.
func (m *Manager) hydrateLocked(ctx context.Context, id string) (*ChatSession, error) {
	msgs, err := m.history.ReadAll(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := m.buildSession(id, msgs)
	if err != nil {
		return nil, err
	}
	m.entries[id] = &entry{sess: sess}
	m.logger.Info("session hydrated", "session_id", id, "messages", len(msgs))
	return sess, nil
}

// buildSession wires a fresh engine for id, seeded with msgs. The system
// prompt is a template rendered against per-session state.
func (m *Manager) buildSession(id string, msgs []core.Message) (*ChatSession, error) {
	backend, err := m.cfg.Factory(m.backend)
	if err != nil {
		return nil, err
	}
	prompt, err := util.RenderTemplate(m.cfg.SystemPrompt, map[string]any{
		"SessionID": id,
	})
	if err != nil {
		return nil, &core.ConfigError{Field: "system_prompt", Reason: err.Error()}
	}
	appender := m.history.appender(id, len(msgs))
	eng := engine.New(backend, m.cfg.Gateway, func(o *engine.Options) {
		o.SessionID = id
		o.SystemPrompt = prompt
		o.MaxIterations = m.cfg.MaxIterations
		if m.cfg.Retry.MaxAttempts > 0 {
			o.Retry = m.cfg.Retry
		}
		if m.cfg.Budget.MaxHistoryTokens > 0 {
			o.Budget = m.cfg.Budget
		}
		o.Limiter = m.limiter
		o.History = appender
		o.Logger = m.logger
		o.Sink = m.cfg.Sink
	})
	if len(msgs) > 0 {
		eng.Restore(msgs)
	}
	return &ChatSession{id: id, mgr: m, eng: eng, appender: appender}, nil
}

// recordActivity bumps the durable message counter and activity timestamp
// after a completed turn.
func (m *Manager) recordActivity(ctx context.Context, id string) error {
	md, ok, err := m.metadata.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrSessionNotFound
	}
	md.Touch(time.Now())
	return m.metadata.Save(ctx, md)
}

// resetHistory clears a session's durable history and zeroes its message
// counter.
func (m *Manager) resetHistory(ctx context.Context, id string) error {
	if err := m.history.Reset(ctx, id); err != nil {
		return err
	}
	md, ok, err := m.metadata.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrSessionNotFound
	}
	md.MessageCount = 0
	md.LastActivity = time.Now().UTC()
	return m.metadata.Save(ctx, md)
}

// purge removes every durable trace of id: history, cache entries, metadata.
func (m *Manager) purge(ctx context.Context, id string) error {
	if err := m.history.Reset(ctx, id); err != nil {
		return err
	}
	cachePrefix := "cache:" + id + ":"
	keys, err := m.cache.List(ctx, cachePrefix)
	if err != nil {
		return &core.StorageError{Op: "list cache", Key: cachePrefix, Err: err}
	}
	for _, key := range keys {
		if err := m.cache.Delete(ctx, key); err != nil {
			return &core.StorageError{Op: "delete cache", Key: key, Err: err}
		}
	}
	return m.metadata.Delete(ctx, id)
}
