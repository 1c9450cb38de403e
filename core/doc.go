// Package core provides the foundational domain types and interfaces used by
// agentbridge. It defines the contracts for:
//
//   - Sessions (durable, resumable conversations with an append-only transcript)
//   - Messages (ordered user/assistant turns forming the authoritative transcript)
//   - Pluggable session storage and usage tracking backends
//   - The shared error taxonomy every component classifies failures into
//
// The package intentionally keeps implementation concerns (persistence,
// engine adapters, turn orchestration) out of scope, exposing small
// interfaces so backends can be swapped without touching calling code.
package core
