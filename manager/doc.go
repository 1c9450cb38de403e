// Package manager orchestrates conversation turns: it maps an inbound user
// message to exactly one persisted session, enforces single-flight execution
// per session, invokes the selected engine adapter with the transcript and
// repository context, and persists the outcome durably.
//
// The per-session execution lock is non-blocking: a second turn on a busy
// session is rejected with core.ErrSessionBusy instead of queueing, so
// latency stays bounded and backlog policy remains the transport's decision.
// The lock is a UX optimization only; the session store's transactional
// appends are the correctness backstop.
package manager
