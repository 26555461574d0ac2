// Package engine implements the per-session conversation loop: it sends the
// message history to a model backend, executes any tool calls the backend
// requests, appends exactly one result per call, and iterates until the
// backend produces a plain answer or the iteration cap forces a stop.
//
// The loop is deliberately self-healing. Backend failures are classified
// (see package model) and handled in place: throttling backs off, oversized
// histories are compacted, and tool-pairing complaints are repaired by
// deleting the offending results or synthesizing placeholder results before
// retrying. Repairs touch only the in-memory working log; the durable
// history mirror stays append-only.
//
// An Engine runs one turn at a time. Concurrent Run calls are rejected with
// core.ErrSessionBusy rather than queued.
package engine
