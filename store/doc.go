// Package store defines the generic key-value contract the runtime uses for
// durable metadata/history storage and for the ephemeral cache, together with
// two implementations: a process-local in-memory store and a SQLite-backed
// store suitable for durable state.
//
// The runtime never assumes transactions across keys; every multi-step
// persistence sequence in higher layers is designed to be safely re-entrant
// if interrupted partway.
package store
