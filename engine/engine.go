package engine

import (
	"context"
	"slices"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/workspace"
)

// Descriptor describes an adapter's identity and capabilities. Descriptors
// are immutable after registration; registration happens once at process
// start, before the first request.
type Descriptor struct {
	// ID is the engine identifier sessions bind to ("claude", "codex", ...).
	ID string `json:"id"`

	// Provider names the credential namespace in the vault ("anthropic",
	// "openai"). One stored key serves every engine of that provider.
	Provider string `json:"provider"`

	// Models lists the backend model names this adapter accepts.
	Models []string `json:"models"`

	// DefaultModel is used when a session carries no model override.
	DefaultModel string `json:"default_model"`

	// Streaming reports whether the adapter emits incremental chunks before
	// the terminal response.
	Streaming bool `json:"streaming"`

	// MaxContextTokens is the backend context window, 0 when unknown.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

// SupportsModel reports whether the adapter accepts the given model name.
// An empty model list means the adapter accepts any name.
func (d Descriptor) SupportsModel(model string) bool {
	return len(d.Models) == 0 || slices.Contains(d.Models, model)
}

// Invocation carries everything one engine call needs. The credential is
// owned transiently by the invocation call stack; adapters must not cache it
// across calls or write it anywhere.
type Invocation struct {
	// Model is the backend-specific model name.
	Model string

	// Credential is the decrypted provider API key. Never logged.
	Credential string

	// Messages is the transcript window up to and including the new user
	// message, in conversation order.
	Messages []core.Message

	// Workspace is the resolved repository context, zero when the session
	// is not bound to a repository. Opaque to the adapter beyond Path/Branch.
	Workspace workspace.Context

	// Stream requests incremental chunks when the adapter supports them.
	Stream bool
}

// TokenUsage captures token accounting reported by the backend.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or terminal) chunk emitted by an engine.
//
// For streaming adapters, partial responses carry incremental text deltas in
// chunk order; consumers must treat them as non-authoritative. Exactly one
// terminal response (Partial == false) closes every successful invocation,
// carrying the final assembled text, finish reason and usage counters.
type Response struct {
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Engine is the uniform contract every backend adapter implements.
//
// Invoke returns immediately with a response channel and an error channel;
// the adapter closes both when the invocation finishes. Errors are
// classified into the core taxonomy: core.ErrEngineUnavailable (transient,
// retryable), core.ErrAuthFailed (bad credential, never retried as-is) or
// core.ErrEngine (non-retryable semantic failure). Cancelling ctx aborts the
// invocation promptly.
type Engine interface {
	Invoke(ctx context.Context, inv Invocation) (<-chan Response, <-chan error)

	// Descriptor returns the adapter's immutable capability metadata.
	Descriptor() Descriptor
}
