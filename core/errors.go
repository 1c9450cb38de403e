package core

import "errors"

// Shared error taxonomy. Every component classifies its failures into one of
// these sentinels (wrapped with %w) so callers can branch with errors.Is
// without depending on concrete backends.
var (
	// ErrStorage indicates the durable layer is unavailable. Writes are
	// transactional, so the caller may simply retry; no corruption risk.
	ErrStorage = errors.New("storage unavailable")

	// ErrNotFound is returned when a session or credential does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a mutation targets a session that was
	// deleted between read and write.
	ErrConflict = errors.New("session conflict")

	// ErrUnknownEngine is returned when resolving an engine identifier that
	// was never registered.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrSessionBusy is returned when a turn is already in flight for the
	// session, or when a binding change is attempted mid-turn. The caller
	// decides whether to queue or inform the user; the core never queues.
	ErrSessionBusy = errors.New("session busy")

	// ErrAuthFailed indicates an invalid or revoked credential. Must not be
	// retried with the same credential.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDecryptionFailed indicates stored ciphertext could not be opened
	// under the configured vault key. Fatal for that credential; the user
	// must re-enter it.
	ErrDecryptionFailed = errors.New("credential decryption failed")

	// ErrEngineUnavailable is a transient engine failure (network, rate
	// limit, timeout). The caller may retry with backoff.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrEngine is a non-retryable semantic engine failure, e.g. a
	// malformed request rejected by the provider.
	ErrEngine = errors.New("engine error")
)
