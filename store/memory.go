package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

// InMemoryStore is a volatile counterpart of SQLiteStore keeping sessions,
// credential ciphertext and usage records in process-local maps. It is safe
// for concurrent access and best suited for tests or ephemeral demos. Every
// returned session is a clone so callers can never mutate internal state.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*core.Session
	credentials map[string][]byte
	usage       []core.UsageRecord
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]*core.Session),
		credentials: make(map[string][]byte),
	}
}

// Create implements core.SessionStore.
func (s *InMemoryStore) Create(ownerID, repository, engine, model string) (*core.Session, error) {
	sess := core.NewSession(ownerID, repository, engine, model)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// Get implements core.SessionStore.
func (s *InMemoryStore) Get(sessionID string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", core.ErrNotFound, sessionID)
	}
	return sess.Clone(), nil
}

// FindActive implements core.SessionStore with the same filter and tie-break
// semantics as the SQLite backend.
func (s *InMemoryStore) FindActive(ownerID, repository string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *core.Session
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID {
			continue
		}
		if repository != "" && sess.Repository != repository {
			continue
		}
		if best == nil || newerThan(sess, best) {
			best = sess
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active session for owner %s", core.ErrNotFound, ownerID)
	}
	return best.Clone(), nil
}

// AppendMessage implements core.SessionStore. The store mutex makes the
// read-modify-write atomic.
func (s *InMemoryStore) AppendMessage(sessionID string, msg core.Message) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s deleted during append", core.ErrConflict, sessionID)
	}
	sess.AddMessage(msg)
	return sess.Clone(), nil
}

// UpdateBinding implements core.SessionStore.
func (s *InMemoryStore) UpdateBinding(sessionID string, b core.Binding) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", core.ErrNotFound, sessionID)
	}
	if b.Engine != nil {
		sess.Engine = *b.Engine
	}
	if b.Model != nil {
		sess.Model = *b.Model
	}
	if b.Repository != nil {
		sess.Repository = *b.Repository
	}
	sess.UpdatedAt = time.Now().UTC()
	return sess.Clone(), nil
}

// List implements core.SessionStore.
func (s *InMemoryStore) List(ownerID string) ([]core.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []core.SessionInfo
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID {
			continue
		}
		infos = append(infos, core.SessionInfo{
			ID:         sess.ID,
			Repository: sess.Repository,
			Engine:     sess.Engine,
			Model:      sess.Model,
			Messages:   len(sess.Messages),
			CreatedAt:  sess.CreatedAt,
			UpdatedAt:  sess.UpdatedAt,
		})
	}
	// Most recently updated first, matching the SQLite ordering.
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Delete implements core.SessionStore.
func (s *InMemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: session %s", core.ErrNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// PutCredential implements vault.CredentialStore.
func (s *InMemoryStore) PutCredential(ownerID, provider string, ciphertext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := make([]byte, len(ciphertext))
	copy(blob, ciphertext)
	s.credentials[ownerID+"/"+provider] = blob
	return nil
}

// GetCredential implements vault.CredentialStore.
func (s *InMemoryStore) GetCredential(ownerID, provider string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.credentials[ownerID+"/"+provider]
	if !ok {
		return nil, fmt.Errorf("%w: credential for %s/%s", core.ErrNotFound, ownerID, provider)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// DeleteCredential implements vault.CredentialStore.
func (s *InMemoryStore) DeleteCredential(ownerID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ownerID + "/" + provider
	if _, ok := s.credentials[key]; !ok {
		return fmt.Errorf("%w: credential for %s/%s", core.ErrNotFound, ownerID, provider)
	}
	delete(s.credentials, key)
	return nil
}

// Record implements core.UsageTracker.
func (s *InMemoryStore) Record(rec core.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// TotalsForOwner implements core.UsageTracker.
func (s *InMemoryStore) TotalsForOwner(ownerID string) (core.UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var totals core.UsageTotals
	for _, rec := range s.usage {
		if rec.OwnerID != ownerID {
			continue
		}
		totals.Requests++
		totals.TotalTokens += rec.TotalTokens
	}
	return totals, nil
}

// newerThan reports whether a should win the FindActive tie-break over b:
// highest UpdatedAt, then highest CreatedAt.
func newerThan(a, b *core.Session) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.CreatedAt.After(b.CreatedAt)
}
