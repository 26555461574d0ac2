package session

import (
	"context"
	"sync"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/engine"
	"github.com/truffle-ai/saiki-sub003/model"
)

// ChatSession is the caller-facing handle for one conversation. It wraps the
// session's engine and keeps durable metadata in step with completed turns.
//
// A handle becomes invalid when the session is evicted or deleted; further
// calls return core.ErrSessionDisposed. Eviction only invalidates the
// handle: durable history survives, and Manager.Get returns a fresh handle
// rehydrated from storage.
type ChatSession struct {
	id  string
	mgr *Manager

	mu       sync.Mutex
	eng      *engine.Engine
	appender *historyAppender
	disposed bool
}

// ID returns the session identifier.
func (s *ChatSession) ID() string { return s.id }

// Run executes one conversational turn. Turns are strictly sequential: a Run
// while another is in flight returns core.ErrSessionBusy without queueing.
// After a completed turn the durable message counter and activity timestamp
// are updated; a storage failure there is returned to the caller because the
// metadata store is the system of record.
func (s *ChatSession) Run(ctx context.Context, input string) (*engine.Result, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	res, err := eng.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	// The session may have been deleted while the turn was running. Its
	// durable records are gone (or belong to a re-created session), so the
	// completed turn must not touch metadata.
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return nil, core.ErrSessionDisposed
	}
	if err := s.mgr.recordActivity(ctx, s.id); err != nil {
		return nil, err
	}
	return res, nil
}

// Reset clears the conversation history, durable and in-memory, and zeroes
// the message counter. The session itself stays admitted and usable.
func (s *ChatSession) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return core.ErrSessionDisposed
	}
	eng, appender := s.eng, s.appender
	s.mu.Unlock()

	if err := s.mgr.resetHistory(ctx, s.id); err != nil {
		return err
	}
	appender.rewind()
	eng.Restore(nil)
	return nil
}

// Messages returns a copy of the in-memory conversation log.
func (s *ChatSession) Messages() ([]core.Message, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return eng.Messages(), nil
}

// Usage returns token usage accumulated by this handle since hydration.
func (s *ChatSession) Usage() (model.TokenUsage, error) {
	eng, err := s.engine()
	if err != nil {
		return model.TokenUsage{}, err
	}
	return eng.Usage(), nil
}

// SwitchBackend swaps the model backend for subsequent turns. Conversation
// state is untouched.
func (s *ChatSession) SwitchBackend(b model.Backend) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}
	eng.SetBackend(b)
	return nil
}

// Backend returns the session's current model backend.
func (s *ChatSession) Backend() (model.Backend, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return eng.Backend(), nil
}

// dispose invalidates the handle, releasing its engine. Durable state is not
// touched; dispose is the memory half of eviction, not deletion. Closing the
// appender first means an engine still finishing a turn cannot write
// sequence keys a successor appender will claim.
func (s *ChatSession) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.appender != nil {
		s.appender.close()
	}
	s.eng = nil
	s.appender = nil
}

// busy reports whether a turn is in flight on this handle's engine.
func (s *ChatSession) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng != nil && s.eng.Busy()
}

func (s *ChatSession) engine() (*engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, core.ErrSessionDisposed
	}
	return s.eng, nil
}
