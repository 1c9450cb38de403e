package core

import (
	"time"

	"github.com/google/uuid"
)

// Message roles as they appear in the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single transcript entry. Messages are append-only; insertion
// order is conversation order and is never reordered.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with the current UTC time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Session is a durable, resumable conversation between one owner and one
// engine/model, optionally bound to a repository. The Messages slice is the
// authoritative transcript.
//
// Contract:
//   - Messages is append-only; stores must never reorder or rewrite entries
//   - UpdatedAt >= CreatedAt and advances on every mutation
//   - Stores return defensive copies; callers mutate only their own copy
type Session struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Repository string    `json:"repository"` // empty = not bound to a repo
	Engine     string    `json:"engine"`
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSession creates a fresh session with an empty transcript.
func NewSession(ownerID, repository, engine, model string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         NewID(),
		OwnerID:    ownerID,
		Repository: repository,
		Engine:     engine,
		Model:      model,
		Messages:   []Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddMessage appends a message and advances UpdatedAt. It mutates the
// receiver; durable persistence is the store's job.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Context returns the trailing window of the transcript handed to an engine.
// A max of 0 or less means the full transcript.
func (s *Session) Context(max int) []Message {
	if max <= 0 || len(s.Messages) <= max {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-max:]
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	copy(clone.Messages, s.Messages)
	return &clone
}

// Binding carries an engine/model/repository change for a session. Nil
// fields are left untouched so absence can be distinguished from clearing.
type Binding struct {
	Engine     *string
	Model      *string
	Repository *string
}

// SessionInfo is a lightweight listing row exposed to transports; it avoids
// loading full transcripts when rendering a session picker.
type SessionInfo struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Engine     string    `json:"engine"`
	Model      string    `json:"model"`
	Messages   int       `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionStore persists sessions and their evolving transcripts.
//
// Mutating methods must be atomic at the storage layer (single-row
// transactional read-modify-write) so two writers can never interleave and
// corrupt transcript ordering even if the manager's per-session lock were
// bypassed. Stores never delete implicitly; retention is an external policy.
type SessionStore interface {
	// Create persists a fresh session with an empty transcript.
	Create(ownerID, repository, engine, model string) (*Session, error)

	// Get returns the session or ErrNotFound.
	Get(sessionID string) (*Session, error)

	// FindActive returns the most recently updated session for the owner,
	// filtered to the repository when non-empty. Tie-break: highest
	// UpdatedAt, then highest CreatedAt. ErrNotFound when none match.
	FindActive(ownerID, repository string) (*Session, error)

	// AppendMessage atomically appends to the transcript and returns the
	// updated session. ErrConflict if the session no longer exists.
	AppendMessage(sessionID string, msg Message) (*Session, error)

	// UpdateBinding applies the non-nil binding fields and returns the
	// updated session. ErrNotFound if the session does not exist.
	UpdateBinding(sessionID string, b Binding) (*Session, error)

	// List returns listing rows for the owner, most recently updated first.
	List(ownerID string) ([]SessionInfo, error)

	// Delete removes a session and its transcript. ErrNotFound if absent.
	Delete(sessionID string) error
}

// NewID generates an opaque, globally unique identifier.
func NewID() string { return uuid.NewString() }
