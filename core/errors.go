package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by session operations.
var (
	// ErrSessionNotFound indicates an operation targeted a session that has
	// neither in-memory nor durable state.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy indicates a turn was requested while another turn for
	// the same session is still in flight. Turns are strictly sequential per
	// session; callers should retry after the current turn completes.
	ErrSessionBusy = errors.New("session busy: turn already in flight")

	// ErrSessionDisposed indicates the session's in-memory resources were
	// released (TTL eviction or shutdown). The durable history is intact; the
	// manager can rehydrate a fresh instance.
	ErrSessionDisposed = errors.New("session disposed")
)

// AdmissionError rejects creation of a new session once the configured
// session limit is reached. It is returned synchronously from the creating
// call and never retried internally.
type AdmissionError struct {
	Max int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("maximum sessions (%d) reached", e.Max)
}

// StorageError wraps a failure from a durable store. Storage failures on
// mutating paths (create, counter increment, delete) always propagate to the
// caller: the durable stores are the system of record.
type StorageError struct {
	Op  string // logical operation, e.g. "save metadata"
	Key string // storage key involved, if any
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError reports an invalid backend or runtime configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}
