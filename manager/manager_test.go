package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/store"
	"github.com/hupe1980/agentbridge/vault"
	"github.com/hupe1980/agentbridge/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture bundles a manager with the collaborators tests poke at directly.
type fixture struct {
	manager *Manager
	store   *store.InMemoryStore
	vault   *vault.Vault
	claude  *engine.MockEngine
	codex   *engine.MockEngine
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()

	st := store.NewInMemoryStore()
	v, err := vault.New("test-secret", st)
	require.NoError(t, err)

	claude := engine.NewMockEngine("claude")
	codex := engine.NewMockEngine("codex")
	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(claude))
	require.NoError(t, registry.Register(codex))

	// Both mocks share the "mock" provider; one stored key serves both.
	require.NoError(t, v.Put("owner-1", "mock", "sk-mock-xxxx"))

	m := New(st, registry, v, st, workspace.NewDirBinder(t.TempDir()), optFns...)
	return &fixture{manager: m, store: st, vault: v, claude: claude, codex: codex}
}

func TestManager_TurnAppendsUserAndAssistant(t *testing.T) {
	f := newFixture(t)
	f.claude.AddResponse("hello", "hi, how can I help?")

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi, how can I help?", result.Text)
	require.NotNil(t, result.Usage)

	sess, err := f.store.Get(result.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, core.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "hello", sess.Messages[0].Content)
	assert.Equal(t, core.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, "hi, how can I help?", sess.Messages[1].Content)
}

func TestManager_TranscriptOrderAcrossTurns(t *testing.T) {
	f := newFixture(t)

	var sessionID string
	for i := 0; i < 5; i++ {
		result, err := f.manager.RunSync(context.Background(), TurnRequest{
			OwnerID: "owner-1", Text: fmt.Sprintf("question %d", i), SessionID: sessionID,
		})
		require.NoError(t, err)
		sessionID = result.SessionID
	}

	sess, err := f.store.Get(sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("question %d", i), sess.Messages[2*i].Content)
		assert.Equal(t, core.RoleUser, sess.Messages[2*i].Role)
		assert.Equal(t, core.RoleAssistant, sess.Messages[2*i+1].Role)
	}
}

func TestManager_ResumesMostRecentSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "turn one", Repository: "acme/api",
	})
	require.NoError(t, err)

	// No explicit session ID: the follow-up lands in the same session.
	second, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "turn two", Repository: "acme/api",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	sess, err := f.store.Get(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
	assert.Equal(t, "acme/api", sess.Repository)
}

func TestManager_ConcurrentTurnsSameSessionOneWins(t *testing.T) {
	f := newFixture(t)
	f.claude.Delay(150 * time.Millisecond)

	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	turn, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "slow turn", SessionID: sess.ID,
	})
	require.NoError(t, err)

	// The second request is rejected immediately, not queued.
	rejectedAt := time.Now()
	_, err = f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "impatient turn", SessionID: sess.ID,
	})
	assert.ErrorIs(t, err, core.ErrSessionBusy)
	assert.Less(t, time.Since(rejectedAt), 100*time.Millisecond)

	for range turn.Chunks {
	}
	require.NoError(t, <-turn.Errors)

	// Only the winning turn touched the transcript.
	got, err := f.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "slow turn", got.Messages[0].Content)
}

func TestManager_DifferentSessionsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	f.claude.Delay(100 * time.Millisecond)

	a, err := f.store.Create("owner-1", "acme/api", "claude", "mock-1")
	require.NoError(t, err)
	b, err := f.store.Create("owner-1", "acme/web", "claude", "mock-1")
	require.NoError(t, err)

	turnA, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "a", SessionID: a.ID,
	})
	require.NoError(t, err)
	turnB, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "b", SessionID: b.ID,
	})
	require.NoError(t, err, "an unrelated session must not be blocked")

	for range turnA.Chunks {
	}
	for range turnB.Chunks {
	}
	require.NoError(t, <-turnA.Errors)
	require.NoError(t, <-turnB.Errors)
}

func TestManager_FailedTurnKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	f.claude.FailWith(fmt.Errorf("%w: upstream 500", core.ErrEngineUnavailable))

	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	_, err = f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "doomed question", SessionID: sess.ID,
	})
	assert.ErrorIs(t, err, core.ErrEngineUnavailable)

	// The user message survived; no corrupted assistant message appended.
	got, err := f.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, core.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "doomed question", got.Messages[0].Content)

	// The failed turn released the lock; the session is usable again.
	f.claude.FailWith(nil)
	_, err = f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "retry", SessionID: sess.ID,
	})
	require.NoError(t, err)
}

func TestManager_StreamingPreservesChunkOrder(t *testing.T) {
	f := newFixture(t)
	f.claude.AddResponse("stream it", "streamed answer")

	turn, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "stream it", Stream: true,
	})
	require.NoError(t, err)

	var partials string
	var final *engine.Response
	for chunk := range turn.Chunks {
		if chunk.Partial {
			require.Nil(t, final, "no partial chunk may follow the terminal response")
			partials += chunk.Text
			continue
		}
		c := chunk
		final = &c
	}
	require.NoError(t, <-turn.Errors)
	require.NotNil(t, final)
	assert.Equal(t, "streamed answer", partials)
	assert.Equal(t, "streamed answer", final.Text)
}

func TestManager_CancelDiscardsPartialAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.claude.Delay(5 * time.Second)

	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	turn, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "cancel me", SessionID: sess.ID, Stream: true,
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(turn.TurnID))
	for range turn.Chunks {
	}
	assert.ErrorIs(t, <-turn.Errors, context.Canceled)

	// No partial assistant message was persisted.
	got, err := f.store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, core.RoleUser, got.Messages[0].Role)

	// The immediately following turn is accepted, not SessionBusy.
	f.claude.Delay(0)
	_, err = f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "next turn", SessionID: sess.ID,
	})
	require.NoError(t, err)
}

func TestManager_CancelUnknownTurn(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.manager.Cancel("missing"), core.ErrNotFound)
}

func TestManager_InvocationTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InvokeTimeout = 30 * time.Millisecond })
	f.claude.Delay(5 * time.Second)

	_, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "too slow",
	})
	assert.ErrorIs(t, err, core.ErrEngineUnavailable)
}

func TestManager_SwitchEngineWhileIdle(t *testing.T) {
	f := newFixture(t)
	f.codex.AddResponse("who are you", "codex here")

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "hello",
	})
	require.NoError(t, err)

	sess, err := f.manager.SwitchEngine("owner-1", result.SessionID, "codex", "")
	require.NoError(t, err)
	assert.Equal(t, "codex", sess.Engine)
	assert.Equal(t, "mock-1", sess.Model)

	// The switch is visible to the next invocation.
	next, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "who are you", SessionID: result.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, "codex here", next.Text)
}

func TestManager_SwitchEngineWhileRunningRejected(t *testing.T) {
	f := newFixture(t)
	f.claude.Delay(150 * time.Millisecond)

	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	turn, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "slow", SessionID: sess.ID,
	})
	require.NoError(t, err)

	_, err = f.manager.SwitchEngine("owner-1", sess.ID, "codex", "")
	assert.ErrorIs(t, err, core.ErrSessionBusy)

	for range turn.Chunks {
	}
	require.NoError(t, <-turn.Errors)

	// Idle again: the switch now succeeds.
	_, err = f.manager.SwitchEngine("owner-1", sess.ID, "codex", "")
	require.NoError(t, err)
}

func TestManager_SwitchEngineValidation(t *testing.T) {
	f := newFixture(t)
	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	_, err = f.manager.SwitchEngine("owner-1", sess.ID, "opencode", "")
	assert.ErrorIs(t, err, core.ErrUnknownEngine)

	_, err = f.manager.SwitchEngine("owner-2", sess.ID, "codex", "")
	assert.ErrorIs(t, err, core.ErrNotFound, "foreign sessions look like missing ones")
}

func TestManager_ExplicitForeignSessionRejected(t *testing.T) {
	f := newFixture(t)
	sess, err := f.store.Create("owner-2", "", "claude", "mock-1")
	require.NoError(t, err)

	_, err = f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "hi", SessionID: sess.ID,
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestManager_MissingCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-without-key", Text: "hi",
	})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The user message is still durably persisted for the retry.
	sess, err := f.store.FindActive("owner-without-key", "")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "hi", sess.Messages[0].Content)

	// After storing a key, the very same session carries on.
	require.NoError(t, f.vault.Put("owner-without-key", "mock", "sk-mock-late"))
	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-without-key", Text: "hi again",
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, result.SessionID)
}

func TestManager_UsageRecorded(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "count me",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Usage)

	totals, err := f.store.TotalsForOwner("owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Requests)
	assert.Equal(t, result.Usage.TotalTokens, totals.TotalTokens)
}

func TestManager_ClearSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "to be cleared",
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.ClearSession("owner-1", result.SessionID))
	_, err = f.store.Get(result.SessionID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.ErrorIs(t, f.manager.ClearSession("owner-1", result.SessionID), core.ErrNotFound)
}

func TestManager_BindRepository(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "hello",
	})
	require.NoError(t, err)

	sess, err := f.manager.BindRepository("owner-1", result.SessionID, "acme/api")
	require.NoError(t, err)
	assert.Equal(t, "acme/api", sess.Repository)

	unbound, err := f.manager.BindRepository("owner-1", result.SessionID, "")
	require.NoError(t, err)
	assert.Empty(t, unbound.Repository)
}

func TestManager_RejectsEmptyRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Run(context.Background(), TurnRequest{OwnerID: "owner-1"})
	assert.Error(t, err)
	_, err = f.manager.Run(context.Background(), TurnRequest{Text: "hi"})
	assert.Error(t, err)
}

// A consumer that stops reading the chunk stream must not hold the session
// lock past the invoke timeout: the relay has to give up on the stalled
// channel, fail the turn and release the session.
func TestManager_StalledConsumerReleasesLockOnTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.InvokeTimeout = 50 * time.Millisecond
		o.ChunkBufferSize = 1
	})
	f.claude.AddResponse("stall", strings.Repeat("chunky ", 64))

	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	// turn.Chunks is deliberately never read.
	turn, err := f.manager.Run(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "stall", SessionID: sess.ID, Stream: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		next, err := f.manager.Run(context.Background(), TurnRequest{
			OwnerID: "owner-1", Text: "after timeout", SessionID: sess.ID,
		})
		if err != nil {
			return false
		}
		for range next.Chunks {
		}
		return <-next.Errors == nil
	}, 2*time.Second, 20*time.Millisecond, "session lock must be released after the timeout")

	assert.ErrorIs(t, <-turn.Errors, core.ErrEngineUnavailable)
}

func TestManager_EngineCallAccounting(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&logging.Config{Level: slog.LevelInfo, Output: &buf})
	f := newFixture(t, func(o *Options) { o.Logger = logger })

	result, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "log me",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Engine call completed")
	assert.Contains(t, out, result.SessionID)
	assert.Contains(t, out, `"engine":"claude"`)
	assert.Contains(t, out, "token_count")
}

// Binding changes claim the session's execution slot, so a turn starting in
// parallel can never interleave with the change — and vice versa.
func TestManager_BindingClaimExcludesTurns(t *testing.T) {
	f := newFixture(t)
	sess, err := f.store.Create("owner-1", "", "claude", "mock-1")
	require.NoError(t, err)

	// Hold the slot the way a starting turn would.
	claim := core.NewID()
	require.True(t, f.manager.tryAcquire(sess.ID, claim, func() {}))

	_, err = f.manager.SwitchModel("owner-1", sess.ID, "mock-1")
	assert.ErrorIs(t, err, core.ErrSessionBusy)
	_, err = f.manager.BindRepository("owner-1", sess.ID, "acme/api")
	assert.ErrorIs(t, err, core.ErrSessionBusy)
	assert.ErrorIs(t, f.manager.ClearSession("owner-1", sess.ID), core.ErrSessionBusy)

	f.manager.release(sess.ID, claim)
	_, err = f.manager.BindRepository("owner-1", sess.ID, "acme/api")
	require.NoError(t, err)
}

func TestManager_EngineSemanticFailureNotRetryable(t *testing.T) {
	f := newFixture(t)
	f.claude.FailWith(fmt.Errorf("%w: malformed request", core.ErrEngine))

	_, err := f.manager.RunSync(context.Background(), TurnRequest{
		OwnerID: "owner-1", Text: "bad",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEngine)
	assert.False(t, errors.Is(err, core.ErrEngineUnavailable))
}
