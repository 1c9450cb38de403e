// Package openai provides an engine adapter for the OpenAI Chat Completions
// API (including streaming) behind the generic engine.Engine interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/workspace"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the OpenAI engine adapter. Fields mirror a minimal
// subset of Chat Completion parameters; extend via functional options
// without breaking callers.
type Options struct {
	ID                  string
	Models              []string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Engine wraps the OpenAI Chat Completions API. A fresh client is built from
// the per-invocation credential so decrypted key material is never cached.
type Engine struct {
	opts Options
}

// New creates an OpenAI engine adapter with optional overrides.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		ID:                  "codex",
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
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
		Provider:         "openai",
		Models:           e.opts.Models,
		DefaultModel:     e.opts.Model,
		Streaming:        true,
		MaxContextTokens: 128000,
	}
}

// Invoke implements engine.Engine with unified streaming / non-streaming
// generation.
func (e *Engine) Invoke(ctx context.Context, inv engine.Invocation) (<-chan engine.Response, <-chan error) {
	out := make(chan engine.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		client := openai.NewClient(option.WithAPIKey(inv.Credential))
		params := e.buildParams(inv)

		if inv.Stream {
			e.handleStreaming(ctx, &client, params, out, errCh)
			return
		}
		e.handleNonStreaming(ctx, &client, params, out, errCh)
	}()

	return out, errCh
}

// buildParams assembles the request including the workspace system prompt.
func (e *Engine) buildParams(inv engine.Invocation) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if system := systemPrompt(inv.Workspace); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, msg := range inv.Messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	model := e.opts.Model
	if inv.Model != "" {
		model = inv.Model
	}
	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(model),
		Temperature:         openai.Float(e.opts.Temperature),
		MaxCompletionTokens: openai.Int(e.opts.MaxCompletionTokens),
	}
}

// handleNonStreaming performs a single completion call and emits the
// terminal response.
func (e *Engine) handleNonStreaming(
	ctx context.Context,
	client *openai.Client,
	params openai.ChatCompletionNewParams,
	out chan<- engine.Response,
	errCh chan<- error,
) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- classify(err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("%w: completion returned no choices", core.ErrEngine)
		return
	}
	choice := resp.Choices[0]
	out <- engine.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: &engine.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// handleStreaming forwards text deltas as partial responses and emits the
// terminal response once the stream ends, preserving chunk order.
func (e *Engine) handleStreaming(
	ctx context.Context,
	client *openai.Client,
	params openai.ChatCompletionNewParams,
	out chan<- engine.Response,
	errCh chan<- error,
) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	var textBuilder strings.Builder
	var usage *engine.TokenUsage
	finishReason := "stop"
	for stream.Next() {
		ck := stream.Current()
		if ck.Usage.TotalTokens > 0 {
			usage = &engine.TokenUsage{
				PromptTokens:     int(ck.Usage.PromptTokens),
				CompletionTokens: int(ck.Usage.CompletionTokens),
				TotalTokens:      int(ck.Usage.TotalTokens),
			}
		}
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- engine.Response{Partial: true, Text: ch.Delta.Content}:
				}
			}
			if ch.FinishReason != "" {
				finishReason = string(ch.FinishReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- classify(err)
		return
	}
	out <- engine.Response{
		Text:         textBuilder.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}
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
	var apierr *openai.Error
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
	return fmt.Errorf("%w: %v", core.ErrEngineUnavailable, err)
}
