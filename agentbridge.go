// Package agentbridge provides a high-level façade over the session manager
// and its service abstractions (session storage, engine registry, credential
// vault, usage tracking & logging), bridging chat-transport users to
// pluggable AI coding-agent backends. Most applications interact with this
// package by:
//  1. Creating a Bridge via New() (optionally overriding the default in-memory services)
//  2. Registering one or more engine adapters (anthropic, openai, custom)
//  3. Processing turns asynchronously (Run) or synchronously (RunSync)
//
// The façade delegates orchestration to manager.Manager while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments supply a SQLite (or custom durable)
// store and a structured logger.
package agentbridge

import (
	"context"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/manager"
	"github.com/hupe1980/agentbridge/store"
	"github.com/hupe1980/agentbridge/vault"
	"github.com/hupe1980/agentbridge/workspace"
)

// Options configures the Bridge instance.
type Options struct {
	// VaultSecret derives the credential sealing key. Required; typically
	// sourced from the deployment environment.
	VaultSecret string

	// Stores (default to one shared in-memory implementation if not provided)
	SessionStore    core.SessionStore
	CredentialStore vault.CredentialStore
	UsageTracker    core.UsageTracker

	// Binder resolves repository bindings to working contexts.
	Binder workspace.Binder

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// DefaultEngine/DefaultModel are bound to freshly created sessions.
	DefaultEngine string
	DefaultModel  string

	// InvokeTimeout bounds each engine invocation.
	InvokeTimeout time.Duration

	// ContextWindow limits the transcript tail handed to engines.
	ContextWindow int
}

// Bridge is the high-level façade aggregating the session manager and its
// services.
type Bridge struct {
	registry *engine.Registry
	vault    *vault.Vault
	usage    core.UsageTracker
	manager  *manager.Manager
}

// New creates a Bridge with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(secret string, optFns ...func(o *Options)) (*Bridge, error) {
	mem := store.NewInMemoryStore()
	opts := Options{
		VaultSecret:     secret,
		SessionStore:    mem,
		CredentialStore: mem,
		UsageTracker:    mem,
		Logger:          logging.NoOpLogger{},
		DefaultEngine:   "claude",
		InvokeTimeout:   5 * time.Minute,
		ContextWindow:   20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Binder == nil {
		opts.Binder = workspace.NewDirBinder(".")
	}

	v, err := vault.New(opts.VaultSecret, opts.CredentialStore)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry()
	m := manager.New(opts.SessionStore, registry, v, opts.UsageTracker, opts.Binder, func(o *manager.Options) {
		o.DefaultEngine = opts.DefaultEngine
		o.DefaultModel = opts.DefaultModel
		o.InvokeTimeout = opts.InvokeTimeout
		o.ContextWindow = opts.ContextWindow
		o.Logger = opts.Logger
	})

	return &Bridge{registry: registry, vault: v, usage: opts.UsageTracker, manager: m}, nil
}

// RegisterEngine adds an adapter to the registry. Call during startup,
// before the first turn.
func (b *Bridge) RegisterEngine(e engine.Engine) error { return b.registry.Register(e) }

// Engines returns capability metadata for all registered adapters.
func (b *Bridge) Engines() []engine.Descriptor { return b.registry.Descriptors() }

// Run starts an asynchronous turn returning chunk & error channels.
func (b *Bridge) Run(ctx context.Context, req manager.TurnRequest) (*manager.Turn, error) {
	return b.manager.Run(ctx, req)
}

// RunSync processes a turn and blocks until the final response.
func (b *Bridge) RunSync(ctx context.Context, req manager.TurnRequest) (*manager.TurnResult, error) {
	return b.manager.RunSync(ctx, req)
}

// Cancel aborts a running turn by ID.
func (b *Bridge) Cancel(turnID string) error { return b.manager.Cancel(turnID) }

// SetCredential encrypts and stores a provider API key for an owner.
func (b *Bridge) SetCredential(ownerID, provider, apiKey string) error {
	return b.vault.Put(ownerID, provider, apiKey)
}

// RemoveCredential deletes a stored provider API key.
func (b *Bridge) RemoveCredential(ownerID, provider string) error {
	return b.vault.Delete(ownerID, provider)
}

// SwitchEngine rebinds an idle session to another engine/model.
func (b *Bridge) SwitchEngine(ownerID, sessionID, engineID, model string) (*core.Session, error) {
	return b.manager.SwitchEngine(ownerID, sessionID, engineID, model)
}

// SwitchModel changes an idle session's model.
func (b *Bridge) SwitchModel(ownerID, sessionID, model string) (*core.Session, error) {
	return b.manager.SwitchModel(ownerID, sessionID, model)
}

// BindRepository rebinds an idle session to a repository (empty unbinds).
func (b *Bridge) BindRepository(ownerID, sessionID, repository string) (*core.Session, error) {
	return b.manager.BindRepository(ownerID, sessionID, repository)
}

// ClearSession deletes an idle session and its transcript.
func (b *Bridge) ClearSession(ownerID, sessionID string) error {
	return b.manager.ClearSession(ownerID, sessionID)
}

// Sessions lists an owner's sessions, most recently updated first.
func (b *Bridge) Sessions(ownerID string) ([]core.SessionInfo, error) {
	return b.manager.Sessions(ownerID)
}

// UsageTotals aggregates an owner's recorded token usage.
func (b *Bridge) UsageTotals(ownerID string) (core.UsageTotals, error) {
	return b.usage.TotalsForOwner(ownerID)
}
