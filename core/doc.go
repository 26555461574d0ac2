// Package core provides the foundational domain types and shared error
// taxonomy used across the runtime. It defines:
//
//   - Messages (role-tagged conversation records with tool call correlation)
//   - ToolCall (a backend-issued function invocation request)
//   - SessionMetadata (the durable per-session record)
//   - Turn events (typed notifications consumed by UI / telemetry)
//   - The error taxonomy surfaced by session and engine operations
//
// The package intentionally keeps implementation concerns (persistence,
// model adapters, the conversation loop) out of scope, exposing small types
// so higher layers and external backends can interoperate without cycles.
package core
