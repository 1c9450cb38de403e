// Package vault encrypts per-user provider API keys at rest. It is a pure
// keyed transform (authenticated symmetric encryption) plus a pluggable
// key-value store for ciphertext; it holds no session state and is safe to
// call concurrently.
//
// Plaintext key material never touches the store or the logs. Decryption
// fails closed: ciphertext produced under a different key than the one
// currently configured yields core.ErrDecryptionFailed, never garbage — a
// user-actionable condition requiring the credential to be re-entered.
package vault
