package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hupe1980/agentbridge/core"
	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    repository  TEXT NOT NULL DEFAULT '',
    engine      TEXT NOT NULL,
    model       TEXT NOT NULL,
    messages    TEXT NOT NULL DEFAULT '[]',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_repo ON sessions(owner_id, repository);

CREATE TABLE IF NOT EXISTS credentials (
    owner_id    TEXT NOT NULL,
    provider    TEXT NOT NULL,
    ciphertext  BLOB NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (owner_id, provider)
);

CREATE TABLE IF NOT EXISTS usage_logs (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id          TEXT NOT NULL,
    session_id        TEXT NOT NULL,
    engine            TEXT NOT NULL,
    model             TEXT NOT NULL,
    prompt_tokens     INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens      INTEGER DEFAULT 0,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_owner ON usage_logs(owner_id);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_logs(session_id);
`

// Transcript persistence caps. Oversized sessions keep only the trailing
// window and oversized message bodies are truncated at the storage boundary;
// the in-memory working copy handed to the engine is unaffected.
const (
	maxPersistedMessages   = 200
	maxPersistedContentLen = 8192
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano strips
// trailing fractional zeros, which breaks lexical ORDER BY over the TEXT
// columns ("…00.5Z" sorts after "…00.51Z"); padding keeps lexical order
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a durable store backed by a single SQLite database. It
// implements core.SessionStore, core.UsageTracker and vault.CredentialStore.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path
// (~/.local/share/agentbridge/agentbridge.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "agentbridge", "agentbridge.db"), nil
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single-file SQLite: one connection serializes the read-modify-write
	// transactions, so concurrent appenders queue instead of failing with
	// SQLITE_BUSY. The busy timeout covers writers from other processes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// WAL mode for concurrent readers while a turn is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create implements core.SessionStore.
func (s *SQLiteStore) Create(ownerID, repository, engine, model string) (*core.Session, error) {
	sess := core.NewSession(ownerID, repository, engine, model)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, owner_id, repository, engine, model, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Repository, sess.Engine, sess.Model, "[]",
		sess.CreatedAt.Format(timeLayout),
		sess.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", core.ErrStorage, err)
	}
	return sess, nil
}

// Get implements core.SessionStore.
func (s *SQLiteStore) Get(sessionID string) (*core.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, repository, engine, model, messages, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// FindActive implements core.SessionStore. An empty repository matches any
// binding; otherwise the filter is exact (including sessions bound to no
// repository when repository is "").
func (s *SQLiteStore) FindActive(ownerID, repository string) (*core.Session, error) {
	query := `
		SELECT id, owner_id, repository, engine, model, messages, created_at, updated_at
		FROM sessions WHERE owner_id = ?`
	args := []any{ownerID}
	if repository != "" {
		query += " AND repository = ?"
		args = append(args, repository)
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT 1"
	return scanSession(s.db.QueryRow(query, args...))
}

// AppendMessage implements core.SessionStore. The read-modify-write runs in
// one transaction so a concurrent append can never interleave, even if the
// manager's per-session lock were bypassed.
func (s *SQLiteStore) AppendMessage(sessionID string, msg core.Message) (*core.Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin append: %v", core.ErrStorage, err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRow(`
		SELECT id, owner_id, repository, engine, model, messages, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s deleted during append", core.ErrConflict, sessionID)
	}
	if err != nil {
		return nil, err
	}

	sess.AddMessage(msg)
	if err := s.writeTranscript(tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit append: %v", core.ErrStorage, err)
	}
	return sess, nil
}

// UpdateBinding implements core.SessionStore.
func (s *SQLiteStore) UpdateBinding(sessionID string, b core.Binding) (*core.Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin update: %v", core.ErrStorage, err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRow(`
		SELECT id, owner_id, repository, engine, model, messages, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID))
	if err != nil {
		return nil, err
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

	_, err = tx.Exec(`
		UPDATE sessions SET engine = ?, model = ?, repository = ?, updated_at = ?
		WHERE id = ?`,
		sess.Engine, sess.Model, sess.Repository,
		sess.UpdatedAt.Format(timeLayout), sess.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update binding: %v", core.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit update: %v", core.ErrStorage, err)
	}
	return sess, nil
}

// List implements core.SessionStore.
func (s *SQLiteStore) List(ownerID string) ([]core.SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, repository, engine, model, json_array_length(messages), created_at, updated_at
		FROM sessions WHERE owner_id = ?
		ORDER BY updated_at DESC, created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", core.ErrStorage, err)
	}
	defer rows.Close()

	var infos []core.SessionInfo
	for rows.Next() {
		var info core.SessionInfo
		var createdAt, updatedAt string
		if err := rows.Scan(&info.ID, &info.Repository, &info.Engine, &info.Model, &info.Messages, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", core.ErrStorage, err)
		}
		info.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		info.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete implements core.SessionStore.
func (s *SQLiteStore) Delete(sessionID string) error {
	result, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", core.ErrStorage, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", core.ErrNotFound, sessionID)
	}
	return nil
}

// PutCredential implements vault.CredentialStore.
func (s *SQLiteStore) PutCredential(ownerID, provider string, ciphertext []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO credentials (owner_id, provider, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)`,
		ownerID, provider, ciphertext, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: put credential: %v", core.ErrStorage, err)
	}
	return nil
}

// GetCredential implements vault.CredentialStore.
func (s *SQLiteStore) GetCredential(ownerID, provider string) ([]byte, error) {
	var ciphertext []byte
	err := s.db.QueryRow(`
		SELECT ciphertext FROM credentials WHERE owner_id = ? AND provider = ?`,
		ownerID, provider).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credential for %s/%s", core.ErrNotFound, ownerID, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get credential: %v", core.ErrStorage, err)
	}
	return ciphertext, nil
}

// DeleteCredential implements vault.CredentialStore.
func (s *SQLiteStore) DeleteCredential(ownerID, provider string) error {
	result, err := s.db.Exec(
		"DELETE FROM credentials WHERE owner_id = ? AND provider = ?", ownerID, provider)
	if err != nil {
		return fmt.Errorf("%w: delete credential: %v", core.ErrStorage, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: credential for %s/%s", core.ErrNotFound, ownerID, provider)
	}
	return nil
}

// Record implements core.UsageTracker. Usage logs are append-only.
func (s *SQLiteStore) Record(rec core.UsageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_logs (owner_id, session_id, engine, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.SessionID, rec.Engine, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: record usage: %v", core.ErrStorage, err)
	}
	return nil
}

// TotalsForOwner implements core.UsageTracker.
func (s *SQLiteStore) TotalsForOwner(ownerID string) (core.UsageTotals, error) {
	var totals core.UsageTotals
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM usage_logs WHERE owner_id = ?`, ownerID).Scan(&totals.Requests, &totals.TotalTokens)
	if err != nil {
		return core.UsageTotals{}, fmt.Errorf("%w: usage totals: %v", core.ErrStorage, err)
	}
	return totals, nil
}

// writeTranscript persists the session's message list applying the
// persistence caps.
func (s *SQLiteStore) writeTranscript(tx *sql.Tx, sess *core.Session) error {
	persisted := sess.Messages
	if len(persisted) > maxPersistedMessages {
		persisted = persisted[len(persisted)-maxPersistedMessages:]
	}
	capped := make([]core.Message, len(persisted))
	for i, m := range persisted {
		if len(m.Content) > maxPersistedContentLen {
			m.Content = m.Content[:maxPersistedContentLen]
		}
		capped[i] = m
	}

	msgJSON, err := json.Marshal(capped)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE sessions SET messages = ?, updated_at = ? WHERE id = ?`,
		string(msgJSON), sess.UpdatedAt.Format(timeLayout), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: write transcript: %v", core.ErrStorage, err)
	}
	return nil
}

// rowScanner abstracts *sql.Row for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*core.Session, error) {
	var sess core.Session
	var msgJSON, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Repository, &sess.Engine, &sess.Model,
		&msgJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", core.ErrStorage, err)
	}

	if err := json.Unmarshal([]byte(msgJSON), &sess.Messages); err != nil {
		return nil, fmt.Errorf("%w: unmarshal messages: %v", core.ErrStorage, err)
	}
	sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &sess, nil
}
