// Package engine defines the uniform invocation contract every AI backend
// adapter implements, plus the process-wide registry mapping engine
// identifiers to adapters.
//
// An Engine turns a transcript, a decrypted credential and a repository
// working context into a stream of Response chunks terminated by a final,
// non-partial Response carrying the assembled message and token usage.
// Partial chunks are non-authoritative until that terminal Response arrives.
//
// Concrete adapters live in sub-packages (anthropic, openai) so the wiring
// layer alone decides which providers a deployment links in.
package engine
