// Package session manages chat session lifecycles: admission against a
// configurable cap, lazy rehydration of evicted sessions from durable
// storage, idle-TTL eviction that releases memory without deleting history,
// and explicit deletion that removes every trace.
//
// The Manager is the single entry point. Admission decisions are
// linearizable: creation, lookup, counting, and eviction all serialize on
// one mutex, so the configured maximum is never exceeded even under
// concurrent creation. Each admitted session is a ChatSession wrapping a
// conversation engine; ChatSessions are handed out to callers and remain
// valid until Delete or process shutdown, surviving TTL eviction through
// transparent rehydration on next access.
package session
