// Package anthropic provides an engine adapter for the Anthropic Messages
// API behind the generic engine.Engine interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/workspace"
)

// Options configures the Anthropic engine adapter.
type Options struct {
	ID          string
	Models      []string
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Engine wraps the Anthropic Messages API. The credential arrives per
// invocation and a fresh client is built from it each time, so decrypted key
// material never outlives the call stack.
type Engine struct {
	opts Options
}

// New creates an Anthropic engine adapter with optional overrides.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		ID:          "claude",
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{opts: opts}
}

// Descriptor implements engine.Engine.
func (e *Engine) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		ID:               e.opts.ID,
		Provider:         "anthropic",
		Models:           e.opts.Models,
		DefaultModel:     string(e.opts.Model),
		Streaming:        false,
		MaxContextTokens: 200000,
	}
}

// Invoke implements engine.Engine. The Messages API is called once per turn;
// the terminal response carries the assembled text and usage counters.
func (e *Engine) Invoke(ctx context.Context, inv engine.Invocation) (<-chan engine.Response, <-chan error) {
	out := make(chan engine.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		client := anthropic.NewClient(option.WithAPIKey(inv.Credential))

		model := e.opts.Model
		if inv.Model != "" {
			model = anthropic.Model(inv.Model)
		}
		params := anthropic.MessageNewParams{
			Model:       model,
			Messages:    buildMessages(inv.Messages),
			MaxTokens:   e.opts.MaxTokens,
			Temperature: anthropic.Float(e.opts.Temperature),
		}
		if system := systemPrompt(inv.Workspace); system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}

		resp, err := client.Messages.New(ctx, params)
		if err != nil {
			errCh <- classify(err)
			return
		}

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.AsText().Text
			}
		}
		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}
		out <- engine.Response{
			Text:         text,
			FinishReason: finishReason,
			Usage: &engine.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		}
	}()

	return out, errCh
}

// buildMessages converts the transcript window to Anthropic message params.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case core.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return params
}

// systemPrompt renders the repository working context for the backend.
func systemPrompt(wc workspace.Context) string {
	if !wc.Bound() {
		return ""
	}
	return fmt.Sprintf("You are working on repository %s. The working copy is checked out at %s on branch %s.",
		wc.Repository, wc.Path, wc.Branch)
}

// classify maps SDK and transport failures into the core error taxonomy.
func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", core.ErrAuthFailed, err)
		case apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", core.ErrEngine, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Timeouts and transport-level failures are transient.
	return fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
}
