package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/hupe1980/agentbridge/core"
	"golang.org/x/crypto/chacha20poly1305"
)

// CredentialStore persists ciphertext blobs keyed by (owner, provider). The
// blob is opaque to the store; only the vault can open it.
type CredentialStore interface {
	// PutCredential stores or replaces the ciphertext for the key pair.
	PutCredential(ownerID, provider string, ciphertext []byte) error

	// GetCredential returns the ciphertext or core.ErrNotFound.
	GetCredential(ownerID, provider string) ([]byte, error)

	// DeleteCredential removes the ciphertext. core.ErrNotFound if absent.
	DeleteCredential(ownerID, provider string) error
}

// Vault seals and opens provider API keys with ChaCha20-Poly1305 under a key
// derived from the configured secret. Each ciphertext blob is
// nonce || sealed bytes with a fresh random nonce per encryption.
type Vault struct {
	aead  cipher.AEAD
	store CredentialStore
}

// New derives the sealing key from secret (SHA-256) and wires the ciphertext
// store. The secret typically comes from the deployment environment.
func New(secret string, store CredentialStore) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Vault{aead: aead, store: store}, nil
}

// Encrypt seals plaintext into a self-contained blob.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Tampered ciphertext or a blob
// sealed under a different secret yields core.ErrDecryptionFailed.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < v.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", core.ErrDecryptionFailed)
	}
	nonce, sealed := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Put encrypts and stores an API key for (owner, provider).
func (v *Vault) Put(ownerID, provider, apiKey string) error {
	blob, err := v.Encrypt([]byte(apiKey))
	if err != nil {
		return err
	}
	return v.store.PutCredential(ownerID, provider, blob)
}

// Get loads and decrypts the API key for (owner, provider). The returned
// plaintext is owned by the calling turn; it must be used once and not
// cached across invocations.
func (v *Vault) Get(ownerID, provider string) (string, error) {
	blob, err := v.store.GetCredential(ownerID, provider)
	if err != nil {
		return "", err
	}
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Delete removes the stored credential for (owner, provider).
func (v *Vault) Delete(ownerID, provider string) error {
	return v.store.DeleteCredential(ownerID, provider)
}
