package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Resumption across processes: write two turns, close the database, reopen
// it and verify the transcript survives with correct ordering.
func TestSQLiteStore_ResumptionAfterReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "resume.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	sess, err := s.Create("owner-1", "acme/api", "claude", "claude-sonnet-4-20250514")
	require.NoError(t, err)
	_, err = s.AppendMessage(sess.ID, core.NewMessage(core.RoleUser, "first question"))
	require.NoError(t, err)
	_, err = s.AppendMessage(sess.ID, core.NewMessage(core.RoleAssistant, "first answer"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindActive("owner-1", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "first question", got.Messages[0].Content)
	assert.Equal(t, "first answer", got.Messages[1].Content)
}

func TestSQLiteStore_ConcurrentAppendsAllLand(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Create("owner-1", "", "claude", "claude-sonnet-4-20250514")
	require.NoError(t, err)

	// The transactional read-modify-write is the correctness backstop when
	// the manager's per-session lock is bypassed: every append must land
	// exactly once. Writers must queue on the single connection instead of
	// failing each other with SQLITE_BUSY.
	const writers = 32
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := s.AppendMessage(sess.ID, core.NewMessage(core.RoleUser, "m"))
			done <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-done)
	}

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, writers)
}

// Stored timestamps must sort lexically in chronological order. RFC3339Nano
// strips trailing fractional zeros ("…00.5Z" vs "…00.51Z"), which would make
// ORDER BY updated_at resume the wrong session.
func TestSQLiteStore_TimestampOrderingWithFractionalSeconds(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ordering.db"))
	require.NoError(t, err)
	defer s.Close()

	older, err := s.Create("owner-1", "acme/api", "claude", "claude-sonnet-4-20250514")
	require.NoError(t, err)
	newer, err := s.Create("owner-1", "acme/api", "claude", "claude-sonnet-4-20250514")
	require.NoError(t, err)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tOlder := base.Add(500 * time.Millisecond)
	tNewer := base.Add(510 * time.Millisecond)
	for _, row := range []struct {
		id string
		ts time.Time
	}{{older.ID, tOlder}, {newer.ID, tNewer}} {
		_, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?",
			row.ts.Format(timeLayout), row.id)
		require.NoError(t, err)
	}

	got, err := s.FindActive("owner-1", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	infos, err := s.List("owner-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, newer.ID, infos[0].ID)
	assert.True(t, infos[0].UpdatedAt.Equal(tNewer), "layout must round-trip")
}

func TestSQLiteStore_PersistenceCaps(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "caps.db"))
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Create("owner-1", "", "claude", "claude-sonnet-4-20250514")
	require.NoError(t, err)

	huge := strings.Repeat("x", maxPersistedContentLen+100)
	_, err = s.AppendMessage(sess.ID, core.NewMessage(core.RoleUser, huge))
	require.NoError(t, err)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Len(t, got.Messages[0].Content, maxPersistedContentLen)
}
