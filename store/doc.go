// Package store houses concrete implementations of the core.SessionStore,
// core.UsageTracker and vault.CredentialStore contracts.
//
// SQLiteStore is the durable backend: one SQLite database holds sessions,
// credential ciphertext and append-only usage logs, with transactional
// read-modify-write appends so concurrent writers can never corrupt
// transcript ordering. InMemoryStore mirrors the same semantics in process
// memory for tests and ephemeral demos.
//
// Add additional backends (Postgres, Redis, ...) here without changing any
// calling code; only the wiring layer decides which one to instantiate.
package store
