// Package model defines the provider-neutral contract between the
// conversation engine and remote language-model backends: the Backend
// interface, normalized request/response types, backend configuration, and
// the structured error classification that drives the engine's repair and
// retry behavior. Concrete adapters live in subpackages (anthropic, openai).
package model
