package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_AddMessageAdvancesUpdatedAt(t *testing.T) {
	s := NewSession("owner-1", "", "claude", "claude-sonnet-4-20250514")
	created := s.CreatedAt

	s.AddMessage(NewMessage(RoleUser, "hello"))
	s.AddMessage(NewMessage(RoleAssistant, "hi there"))

	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, RoleAssistant, s.Messages[1].Role)
	assert.False(t, s.UpdatedAt.Before(created))
}

func TestSession_ContextWindow(t *testing.T) {
	s := NewSession("owner-1", "", "claude", "claude-sonnet-4-20250514")
	for i := 0; i < 10; i++ {
		s.AddMessage(NewMessage(RoleUser, "msg"))
	}

	assert.Len(t, s.Context(4), 4)
	assert.Len(t, s.Context(0), 10)
	assert.Len(t, s.Context(25), 10)

	// The window must be the transcript tail, not the head.
	s.AddMessage(NewMessage(RoleAssistant, "last"))
	window := s.Context(3)
	assert.Equal(t, "last", window[len(window)-1].Content)
}

func TestSession_CloneIsIndependent(t *testing.T) {
	s := NewSession("owner-1", "acme/api", "codex", "gpt-5.2")
	s.AddMessage(NewMessage(RoleUser, "original"))

	clone := s.Clone()
	require.NotSame(t, s, clone)

	clone.AddMessage(NewMessage(RoleAssistant, "diverged"))
	assert.Len(t, s.Messages, 1)
	assert.Len(t, clone.Messages, 2)

	clone.Messages[0].Content = "mutated"
	assert.Equal(t, "original", s.Messages[0].Content)
}
