package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/model"
	"github.com/truffle-ai/saiki-sub003/store"
)

func mockFactory(cfg model.Config) (model.Backend, error) {
	return model.NewMockBackend(), nil
}

func newTestManager(t *testing.T, mutate func(cfg *Config)) *Manager {
	t.Helper()
	cfg := Config{
		Backend: model.Config{Provider: model.ProviderMock},
		Factory: mockFactory,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManagerRequiresFactory(t *testing.T) {
	_, err := NewManager(Config{Backend: model.Config{Provider: model.ProviderMock}})
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "factory", cfgErr.Field)
}

func TestAdmissionLimit(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) { cfg.MaxSessions = 2 })
	ctx := context.Background()

	_, err := m.Create(ctx, "a")
	require.NoError(t, err)
	_, err = m.Create(ctx, "b")
	require.NoError(t, err)

	_, err = m.Create(ctx, "c")
	var admission *core.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.EqualError(t, err, "maximum sessions (2) reached")

	// Existing ids are still returned.
	_, err = m.Create(ctx, "a")
	assert.NoError(t, err)
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s1, err := m.Create(ctx, "same")
	require.NoError(t, err)
	s2, err := m.Create(ctx, "same")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestCreateGeneratesID(t *testing.T) {
	m := newTestManager(t, nil)
	sess, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	const limit = 5
	m := newTestManager(t, func(cfg *Config) { cfg.MaxSessions = limit })
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Create(ctx, fmt.Sprintf("sess-%d", i))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	admitted, rejected := 0, 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		var admission *core.AdmissionError
		require.ErrorAs(t, err, &admission)
		rejected++
	}
	assert.Equal(t, limit, admitted)
	assert.Equal(t, 15, rejected)
	assert.Equal(t, limit, m.Stats().TotalSessions)
}

func TestGetAbsentSession(t *testing.T) {
	m := newTestManager(t, nil)
	sess, ok, err := m.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, sess)
}

func TestRunPersistsMetadataAndHistory(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)
	res, err := sess.Run(ctx, "hello")
	require.NoError(t, err)
	assert.Contains(t, res.FinalText, "hello")

	md, ok, err := m.metadata.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, md.MessageCount)

	msgs, err := m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
}

func backdate(t *testing.T, m *Manager, id string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	md, ok, err := m.metadata.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	md.LastActivity = time.Now().Add(-age).UTC()
	require.NoError(t, m.metadata.Save(ctx, md))
}

func TestEvictionDemotesAndRehydrates(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) { cfg.SessionTTL = time.Minute })
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)
	_, err = sess.Run(ctx, "remember me")
	require.NoError(t, err)

	backdate(t, m, "s", 2*time.Minute)
	evicted, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, evicted)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 0, stats.InMemorySessions)

	// The old handle is dead.
	_, err = sess.Run(ctx, "still there?")
	assert.ErrorIs(t, err, core.ErrSessionDisposed)
	_, err = sess.Messages()
	assert.ErrorIs(t, err, core.ErrSessionDisposed)

	// Access rehydrates with history and counters intact.
	fresh, ok, err := m.Get(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	msgs, err := fresh.Messages()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	md, ok, err := m.metadata.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, md.MessageCount)

	// The rehydrated session keeps appending after the stored messages.
	_, err = fresh.Run(ctx, "again")
	require.NoError(t, err)
	msgs, err = m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestCleanupSkipsActiveSessions(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) { cfg.SessionTTL = time.Hour })
	ctx := context.Background()

	sess, err := m.Create(ctx, "active")
	require.NoError(t, err)
	_, err = sess.Run(ctx, "ping")
	require.NoError(t, err)

	evicted, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, m.Stats().InMemorySessions)
}

// slowBackend blocks every Complete call until release is closed.
type slowBackend struct {
	release chan struct{}
}

func (b *slowBackend) Complete(ctx context.Context, _ model.Request) (*model.Response, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.Response{Message: core.NewAssistantMessage("slow answer")}, nil
}

func (b *slowBackend) Info() model.Info {
	return model.Info{Name: "slow", Provider: "test"}
}

func TestCleanupSkipsSessionsWithTurnInFlight(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, func(cfg *Config) {
		cfg.SessionTTL = time.Minute
		cfg.Factory = func(model.Config) (model.Backend, error) {
			return &slowBackend{release: release}, nil
		}
	})
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sess.Run(ctx, "slow question")
		assert.NoError(t, err)
	}()
	require.Eventually(t, sess.busy, time.Second, time.Millisecond)

	// Even an expired session stays loaded while its turn is running, so the
	// engine's history mirror keeps sole ownership of the sequence keys.
	backdate(t, m, "s", 2*time.Minute)
	evicted, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, m.Stats().InMemorySessions)

	close(release)
	<-done

	// Idle again: a later sweep may evict as usual.
	backdate(t, m, "s", 2*time.Minute)
	evicted, err = m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, evicted)

	msgs, err := m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "slow question", msgs[0].Content)
	assert.Equal(t, "slow answer", msgs[1].Content)
}

func TestDeleteMidTurnDoesNotCorruptRecreatedHistory(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	first := true
	m := newTestManager(t, func(cfg *Config) {
		cfg.Factory = func(model.Config) (model.Backend, error) {
			mu.Lock()
			defer mu.Unlock()
			if first {
				first = false
				return &slowBackend{release: release}, nil
			}
			return model.NewMockBackend(), nil
		}
	})
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sess.Run(ctx, "slow question")
		assert.ErrorIs(t, err, core.ErrSessionDisposed)
	}()
	require.Eventually(t, sess.busy, time.Second, time.Millisecond)

	require.NoError(t, m.Delete(ctx, "s"))

	fresh, err := m.Create(ctx, "s")
	require.NoError(t, err)
	_, err = fresh.Run(ctx, "fresh question")
	require.NoError(t, err)

	// Let the deleted session's turn finish; its mirror writes are refused,
	// so the recreated log is untouched.
	close(release)
	<-done

	msgs, err := m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "fresh question", msgs[0].Content)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)

	// The old turn must not bump the recreated session's counters either.
	md, ok, err := m.metadata.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, md.MessageCount)
}

func TestResetClearsHistoryKeepsSession(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)
	_, err = sess.Run(ctx, "first")
	require.NoError(t, err)

	require.NoError(t, sess.Reset(ctx))

	msgs, err := sess.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs)

	md, ok, err := m.metadata.Load(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, md.MessageCount)

	// The session stays usable and history restarts from scratch.
	_, err = sess.Run(ctx, "second")
	require.NoError(t, err)
	stored, err := m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestDeleteRemovesEverything(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)
	_, err = sess.Run(ctx, "hello")
	require.NoError(t, err)
	require.NoError(t, m.cache.Set(ctx, "cache:s:scratch", []byte("tmp")))

	require.NoError(t, m.Delete(ctx, "s"))

	_, ok, err := m.Get(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.metadata.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := m.history.ReadAll(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, stored)

	keys, err := m.cache.List(ctx, "cache:s:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = sess.Run(ctx, "anyone?")
	assert.ErrorIs(t, err, core.ErrSessionDisposed)

	// The id can be re-admitted as a brand new session.
	fresh, err := m.Create(ctx, "s")
	require.NoError(t, err)
	msgs, err := fresh.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	assert.NoError(t, m.Delete(context.Background(), "ghost"))
}

func TestInitRestoresDurableSessions(t *testing.T) {
	metadata := store.NewMemory()
	history := store.NewMemory()
	ctx := context.Background()

	m1 := newTestManager(t, func(cfg *Config) {
		cfg.Metadata = metadata
		cfg.History = history
	})
	sess, err := m1.Create(ctx, "survivor")
	require.NoError(t, err)
	_, err = sess.Run(ctx, "persist this")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2 := newTestManager(t, func(cfg *Config) {
		cfg.Metadata = metadata
		cfg.History = history
	})
	assert.Equal(t, []string{"survivor"}, m2.List())
	assert.Equal(t, 0, m2.Stats().InMemorySessions)

	restored, ok, err := m2.Get(ctx, "survivor")
	require.NoError(t, err)
	require.True(t, ok)
	msgs, err := restored.Messages()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestInitPurgesExpiredSessions(t *testing.T) {
	metadata := store.NewMemory()
	history := store.NewMemory()
	ctx := context.Background()

	md := core.NewSessionMetadata("stale")
	md.LastActivity = time.Now().Add(-24 * time.Hour).UTC()
	require.NoError(t, metadataStore{kv: metadata}.Save(ctx, md))
	app := historyStore{kv: history}.appender("stale", 0)
	require.NoError(t, app.Append(ctx, core.NewUserMessage("old")))

	m := newTestManager(t, func(cfg *Config) {
		cfg.Metadata = metadata
		cfg.History = history
		cfg.SessionTTL = time.Hour
	})

	assert.Empty(t, m.List())
	_, ok, err := metadataStore{kv: metadata}.Load(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	msgs, err := historyStore{kv: history}.ReadAll(ctx, "stale")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStats(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxSessions = 7
		cfg.SessionTTL = 42 * time.Minute
	})
	ctx := context.Background()
	_, err := m.Create(ctx, "a")
	require.NoError(t, err)
	_, err = m.Create(ctx, "b")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 2, stats.InMemorySessions)
	assert.Equal(t, 7, stats.MaxSessions)
	assert.Equal(t, 42*time.Minute, stats.SessionTTL)
}

func TestSwitchBackendForSession(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)
	before, err := sess.Backend()
	require.NoError(t, err)

	require.NoError(t, m.SwitchBackendForSession(ctx, "s", model.Config{Provider: model.ProviderMock}))
	after, err := sess.Backend()
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	err = m.SwitchBackendForSession(ctx, "ghost", model.Config{Provider: model.ProviderMock})
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	err = m.SwitchBackendForSession(ctx, "s", model.Config{Provider: "bogus"})
	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSwitchBackendForAll(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s1, err := m.Create(ctx, "one")
	require.NoError(t, err)
	_, err = m.Create(ctx, "two")
	require.NoError(t, err)

	// A dead handle fails the switch for its session only.
	s1.dispose()

	report, err := m.SwitchBackendForAll(ctx, model.Config{Provider: model.ProviderMock})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, report.FailedIDs)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Message, "switched 1 of 2")
}

func TestSwitchBackendForDefaultAffectsFutureSessions(t *testing.T) {
	var seen []model.Config
	var mu sync.Mutex
	m := newTestManager(t, func(cfg *Config) {
		cfg.Factory = func(c model.Config) (model.Backend, error) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
			return model.NewMockBackend(), nil
		}
	})
	ctx := context.Background()
	_, err := m.Default(ctx)
	require.NoError(t, err)

	next := model.Config{Provider: model.ProviderMock, Model: "mock-v2"}
	require.NoError(t, m.SwitchBackendForDefault(ctx, next))

	_, err = m.Create(ctx, "later")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "mock-v2", seen[len(seen)-1].Model)
}

func TestManagerCloseDisposesLoadedSessions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	sess, err := m.Create(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err = sess.Run(ctx, "hello")
	assert.ErrorIs(t, err, core.ErrSessionDisposed)
	_, err = m.Create(ctx, "new")
	assert.ErrorIs(t, err, core.ErrSessionDisposed)
}

func TestSystemPromptTemplateRendering(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.SystemPrompt = "You serve session {{.SessionID}}."
	})
	ctx := context.Background()
	sess, err := m.Create(ctx, "render-me")
	require.NoError(t, err)

	backend, err := sess.Backend()
	require.NoError(t, err)
	mock := backend.(*model.MockBackend)

	_, err = sess.Run(ctx, "hi")
	require.NoError(t, err)
	reqs := mock.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "You serve session render-me.", reqs[0].SystemPrompt)
}

func TestBadSystemPromptTemplateFailsCreate(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.SystemPrompt = "{{.Broken"
	})
	_, err := m.Create(context.Background(), "s")
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "system_prompt", cfgErr.Field)

	// The failed build must not occupy an admission slot.
	assert.Equal(t, 0, m.Stats().TotalSessions)
}
