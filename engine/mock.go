package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

// MockEngine is a lightweight in-memory Engine useful for tests and local
// demos. It echoes canned completions, optionally streamed rune by rune, and
// can be primed with a failure or an artificial latency to exercise the
// manager's error and contention paths.
type MockEngine struct {
	desc      Descriptor
	responses map[string]string
	failWith  error
	delay     time.Duration
}

// NewMockEngine constructs a streaming-capable mock under the given ID.
func NewMockEngine(id string) *MockEngine {
	return &MockEngine{
		desc: Descriptor{
			ID:           id,
			Provider:     "mock",
			DefaultModel: "mock-1",
			Streaming:    true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic completion for an input prompt.
func (m *MockEngine) AddResponse(prompt, response string) { m.responses[prompt] = response }

// FailWith makes every subsequent invocation fail with err.
func (m *MockEngine) FailWith(err error) { m.failWith = err }

// Delay makes every invocation sleep before responding, keeping the session
// lock held long enough for contention tests.
func (m *MockEngine) Delay(d time.Duration) { m.delay = d }

// Descriptor implements Engine.
func (m *MockEngine) Descriptor() Descriptor { return m.desc }

// Invoke implements Engine; emits optional streaming rune chunks then the
// terminal response with synthetic usage counters.
func (m *MockEngine) Invoke(ctx context.Context, inv Invocation) (<-chan Response, <-chan error) {
	out := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if m.delay > 0 {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(m.delay):
			}
		}
		if m.failWith != nil {
			errCh <- m.failWith
			return
		}
		if len(inv.Messages) == 0 {
			errCh <- fmt.Errorf("%w: no messages provided", core.ErrEngine)
			return
		}

		last := inv.Messages[len(inv.Messages)-1]
		full := m.responses[last.Content]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", last.Content)
		}
		if inv.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		usage := &TokenUsage{
			PromptTokens:     len(last.Content),
			CompletionTokens: len(full),
			TotalTokens:      len(last.Content) + len(full),
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- Response{Text: full, FinishReason: "stop", Usage: usage}:
		}
	}()

	return out, errCh
}
