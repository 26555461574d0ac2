package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/store"
)

// Storage key layout. Metadata lives under one key per session; history is
// one key per message with a zero-padded sequence number, so a prefix List
// returns messages in chronological order and appends never rewrite existing
// records.
const (
	metadataKeyPrefix = "session:"
	messageKeyPrefix  = "messages:"
	seqWidth          = 8
)

func metadataKey(id string) string { return metadataKeyPrefix + id }

func messagePrefix(id string) string { return fmt.Sprintf("%s%s:", messageKeyPrefix, id) }

func messageKey(id string, seq int) string {
	return fmt.Sprintf("%s%0*d", messagePrefix(id), seqWidth, seq)
}

// metadataStore persists SessionMetadata records in a KV backend.
type metadataStore struct {
	kv store.KV
}

// Save writes md under its session key.
func (s metadataStore) Save(ctx context.Context, md core.SessionMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return &core.StorageError{Op: "encode metadata", Key: metadataKey(md.ID), Err: err}
	}
	if err := s.kv.Set(ctx, metadataKey(md.ID), data); err != nil {
		return &core.StorageError{Op: "save metadata", Key: metadataKey(md.ID), Err: err}
	}
	return nil
}

// Load reads the metadata for id. Absence is reported via ok=false, not an
// error.
func (s metadataStore) Load(ctx context.Context, id string) (core.SessionMetadata, bool, error) {
	data, err := s.kv.Get(ctx, metadataKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return core.SessionMetadata{}, false, nil
	}
	if err != nil {
		return core.SessionMetadata{}, false, &core.StorageError{Op: "load metadata", Key: metadataKey(id), Err: err}
	}
	var md core.SessionMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return core.SessionMetadata{}, false, &core.StorageError{Op: "decode metadata", Key: metadataKey(id), Err: err}
	}
	return md, true, nil
}

// Delete removes the metadata record. Deleting an absent record succeeds.
func (s metadataStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, metadataKey(id)); err != nil {
		return &core.StorageError{Op: "delete metadata", Key: metadataKey(id), Err: err}
	}
	return nil
}

// ListIDs returns every session id with a metadata record.
func (s metadataStore) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, metadataKeyPrefix)
	if err != nil {
		return nil, &core.StorageError{Op: "list metadata", Err: err}
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, metadataKeyPrefix))
	}
	return ids, nil
}

// historyStore persists conversation logs, one record per message.
type historyStore struct {
	kv store.KV
}

// ReadAll loads the full message log for id in append order.
func (s historyStore) ReadAll(ctx context.Context, id string) ([]core.Message, error) {
	keys, err := s.kv.List(ctx, messagePrefix(id))
	if err != nil {
		return nil, &core.StorageError{Op: "list history", Key: messagePrefix(id), Err: err}
	}
	msgs := make([]core.Message, 0, len(keys))
	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &core.StorageError{Op: "load message", Key: key, Err: err}
		}
		var msg core.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &core.StorageError{Op: "decode message", Key: key, Err: err}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Reset deletes every message record for id.
func (s historyStore) Reset(ctx context.Context, id string) error {
	keys, err := s.kv.List(ctx, messagePrefix(id))
	if err != nil {
		return &core.StorageError{Op: "list history", Key: messagePrefix(id), Err: err}
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return &core.StorageError{Op: "delete message", Key: key, Err: err}
		}
	}
	return nil
}

// appender returns an engine history mirror for id, continuing the sequence
// after the given number of already stored messages.
func (s historyStore) appender(id string, stored int) *historyAppender {
	return &historyAppender{store: s, id: id, next: stored}
}

// historyAppender implements engine.History for one session. Sequence
// numbers are process-local; disposing a session closes its appender, so at
// most one appender per session id can write and two never race on the same
// sequence keys.
type historyAppender struct {
	store historyStore
	id    string

	mu     sync.Mutex
	next   int
	closed bool
}

// Append writes msg under the next sequence key. A closed appender refuses
// the write so a disposed session's engine cannot overwrite records owned by
// a successor.
func (a *historyAppender) Append(ctx context.Context, msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return &core.StorageError{Op: "encode message", Err: err}
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return &core.StorageError{Op: "save message", Key: messagePrefix(a.id), Err: core.ErrSessionDisposed}
	}
	seq := a.next
	a.next++
	a.mu.Unlock()

	key := messageKey(a.id, seq)
	if err := a.store.kv.Set(ctx, key, data); err != nil {
		return &core.StorageError{Op: "save message", Key: key, Err: err}
	}
	return nil
}

// rewind resets the sequence counter after a history reset.
func (a *historyAppender) rewind() {
	a.mu.Lock()
	a.next = 0
	a.mu.Unlock()
}

// close permanently stops the appender. Called on dispose; an engine still
// finishing a turn sees its mirror appends fail instead of clobbering the
// durable log.
func (a *historyAppender) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}
