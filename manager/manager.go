package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/vault"
	"github.com/hupe1980/agentbridge/workspace"
)

// Options holds tuning overrides passed to New().
type Options struct {
	// DefaultEngine is bound to sessions created without an explicit engine.
	DefaultEngine string

	// DefaultModel is bound to sessions created without an explicit model.
	// Empty means the engine's descriptor default.
	DefaultModel string

	// InvokeTimeout bounds each engine invocation. On expiry the turn fails
	// with core.ErrEngineUnavailable and the lock is released.
	InvokeTimeout time.Duration

	// ContextWindow is the max number of trailing transcript messages handed
	// to the engine. 0 means the full transcript.
	ContextWindow int

	// ChunkBufferSize sets channel buffering for relayed stream chunks.
	ChunkBufferSize int

	// Logger receives structured turn lifecycle logs.
	Logger logging.Logger
}

// TurnRequest is one inbound user message as delivered by the chat transport.
type TurnRequest struct {
	// OwnerID identifies the user. Required.
	OwnerID string

	// Text is the user's message. Required.
	Text string

	// SessionID targets an explicit session. Empty resolves the owner's most
	// recently updated session (or creates a fresh one).
	SessionID string

	// Repository optionally scopes session resolution and binds new sessions.
	Repository string

	// Stream requests incremental chunks when the engine supports them.
	Stream bool
}

// Turn is a running invocation handed back to the transport. Chunks carries
// partial responses (in adapter order) followed by exactly one terminal
// response; Errors carries at most one classified failure. Both channels are
// closed when the turn finishes.
type Turn struct {
	TurnID    string
	SessionID string
	Chunks    <-chan engine.Response
	Errors    <-chan error
}

// TurnResult is the drained outcome of a turn for non-streaming callers.
type TurnResult struct {
	SessionID string
	Text      string
	Usage     *engine.TokenUsage
}

// Manager resolves sessions, serializes execution per session and drives
// engine invocations. Public methods are safe for concurrent use; the
// inflight registry is the only shared mutable state and every access is
// synchronized.
type Manager struct {
	sessions core.SessionStore
	registry *engine.Registry
	vault    *vault.Vault
	usage    core.UsageTracker
	binder   workspace.Binder

	defaultEngine   string
	defaultModel    string
	invokeTimeout   time.Duration
	contextWindow   int
	chunkBufferSize int
	logger          logging.Logger

	mu       sync.Mutex
	inflight map[string]*turnState // session ID -> running turn
}

// turnState tracks one running turn for cancellation and busy checks.
type turnState struct {
	turnID string
	cancel context.CancelFunc
}

// New constructs a Manager over its collaborators. The registry must be
// fully populated before the first request; the manager never mutates it.
func New(
	sessions core.SessionStore,
	registry *engine.Registry,
	credentialVault *vault.Vault,
	usage core.UsageTracker,
	binder workspace.Binder,
	optFns ...func(o *Options),
) *Manager {
	opts := Options{
		DefaultEngine:   "claude",
		InvokeTimeout:   5 * time.Minute,
		ContextWindow:   20,
		ChunkBufferSize: 64,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		sessions:        sessions,
		registry:        registry,
		vault:           credentialVault,
		usage:           usage,
		binder:          binder,
		defaultEngine:   opts.DefaultEngine,
		defaultModel:    opts.DefaultModel,
		invokeTimeout:   opts.InvokeTimeout,
		contextWindow:   opts.ContextWindow,
		chunkBufferSize: opts.ChunkBufferSize,
		logger:          opts.Logger,
		inflight:        make(map[string]*turnState),
	}
}

// Run processes one turn asynchronously.
//
// The synchronous part resolves the session, claims its execution lock,
// durably appends the user message and resolves engine, credential and
// workspace — so the caller gets core.ErrSessionBusy, core.ErrNotFound,
// credential and storage failures immediately. The user message is appended
// before the engine is invoked: a crash mid-invocation never loses input.
func (m *Manager) Run(ctx context.Context, req TurnRequest) (*Turn, error) {
	if req.OwnerID == "" || req.Text == "" {
		return nil, fmt.Errorf("turn request requires owner and text")
	}

	sess, err := m.resolveSession(req)
	if err != nil {
		return nil, err
	}

	turnID := core.NewID()
	invokeCtx, cancel := context.WithCancel(ctx)
	if !m.tryAcquire(sess.ID, turnID, cancel) {
		cancel()
		return nil, fmt.Errorf("%w: a turn is already running for session %s", core.ErrSessionBusy, sess.ID)
	}

	// Every early return below must release the claim.
	updated, err := m.sessions.AppendMessage(sess.ID, core.NewMessage(core.RoleUser, req.Text))
	if err != nil {
		m.release(sess.ID, turnID)
		cancel()
		return nil, err
	}
	sess = updated

	eng, credential, wc, err := m.prepareInvocation(invokeCtx, sess, req.OwnerID)
	if err != nil {
		m.release(sess.ID, turnID)
		cancel()
		return nil, err
	}

	chunks := make(chan engine.Response, m.chunkBufferSize)
	errCh := make(chan error, 1)
	go m.executeTurn(invokeCtx, cancel, turnID, sess, eng, credential, wc, req.Stream, chunks, errCh)

	return &Turn{TurnID: turnID, SessionID: sess.ID, Chunks: chunks, Errors: errCh}, nil
}

// RunSync processes a turn and drains the stream, returning the final text.
func (m *Manager) RunSync(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	turn, err := m.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{SessionID: turn.SessionID}
	for chunk := range turn.Chunks {
		if chunk.Partial {
			continue
		}
		result.Text = chunk.Text
		result.Usage = chunk.Usage
	}
	if err := <-turn.Errors; err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel aborts a running turn by ID. The execution lock is released
// promptly and the transcript keeps only the already-persisted user message;
// partial streamed output is discarded, never persisted as a truncated
// assistant message.
func (m *Manager) Cancel(turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.inflight {
		if state.turnID == turnID {
			state.cancel()
			return nil
		}
	}
	return fmt.Errorf("%w: turn %s", core.ErrNotFound, turnID)
}

// SwitchEngine rebinds a session to another engine (and optionally model).
// Allowed only while the session is idle; a running turn yields
// core.ErrSessionBusy.
func (m *Manager) SwitchEngine(ownerID, sessionID, engineID, model string) (*core.Session, error) {
	eng, err := m.registry.Resolve(engineID)
	if err != nil {
		return nil, err
	}
	desc := eng.Descriptor()
	if model == "" {
		model = desc.DefaultModel
	}
	if !desc.SupportsModel(model) {
		return nil, fmt.Errorf("%w: engine %q does not support model %q", core.ErrEngine, engineID, model)
	}
	return m.updateIdleBinding(ownerID, sessionID, core.Binding{Engine: &engineID, Model: &model})
}

// SwitchModel changes the session's model without changing the engine.
func (m *Manager) SwitchModel(ownerID, sessionID, model string) (*core.Session, error) {
	sess, err := m.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	eng, err := m.registry.Resolve(sess.Engine)
	if err != nil {
		return nil, err
	}
	if !eng.Descriptor().SupportsModel(model) {
		return nil, fmt.Errorf("%w: engine %q does not support model %q", core.ErrEngine, sess.Engine, model)
	}
	return m.updateIdleBinding(ownerID, sessionID, core.Binding{Model: &model})
}

// BindRepository rebinds a session to another repository (empty unbinds).
// Allowed only while the session is idle.
func (m *Manager) BindRepository(ownerID, sessionID, repository string) (*core.Session, error) {
	return m.updateIdleBinding(ownerID, sessionID, core.Binding{Repository: &repository})
}

// ClearSession deletes a session and its transcript. Allowed only while the
// session is idle; the execution slot is claimed so a turn cannot start
// mid-delete.
func (m *Manager) ClearSession(ownerID, sessionID string) error {
	if _, err := m.ownedSession(ownerID, sessionID); err != nil {
		return err
	}
	claimID := core.NewID()
	if !m.tryAcquire(sessionID, claimID, func() {}) {
		return fmt.Errorf("%w: cannot clear session %s mid-turn", core.ErrSessionBusy, sessionID)
	}
	defer m.release(sessionID, claimID)
	return m.sessions.Delete(sessionID)
}

// Sessions lists the owner's sessions, most recently updated first.
func (m *Manager) Sessions(ownerID string) ([]core.SessionInfo, error) {
	return m.sessions.List(ownerID)
}

// resolveSession maps the request to exactly one session: the explicit ID if
// given and owned by the requester, else the owner's most recently updated
// match, else a freshly created session with the default binding.
func (m *Manager) resolveSession(req TurnRequest) (*core.Session, error) {
	if req.SessionID != "" {
		return m.ownedSession(req.OwnerID, req.SessionID)
	}

	sess, err := m.sessions.FindActive(req.OwnerID, req.Repository)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	model := m.defaultModel
	if model == "" {
		if eng, resolveErr := m.registry.Resolve(m.defaultEngine); resolveErr == nil {
			model = eng.Descriptor().DefaultModel
		}
	}
	return m.sessions.Create(req.OwnerID, req.Repository, m.defaultEngine, model)
}

// ownedSession loads a session and verifies ownership. Foreign sessions are
// reported as not found rather than revealing their existence.
func (m *Manager) ownedSession(ownerID, sessionID string) (*core.Session, error) {
	sess, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: session %s", core.ErrNotFound, sessionID)
	}
	return sess, nil
}

// prepareInvocation resolves adapter, decrypted credential and workspace
// context for the turn. The credential is owned by this call stack only.
func (m *Manager) prepareInvocation(ctx context.Context, sess *core.Session, ownerID string) (engine.Engine, string, workspace.Context, error) {
	eng, err := m.registry.Resolve(sess.Engine)
	if err != nil {
		return nil, "", workspace.Context{}, err
	}

	credential, err := m.vault.Get(ownerID, eng.Descriptor().Provider)
	if err != nil {
		return nil, "", workspace.Context{}, err
	}

	wc, err := m.binder.Bind(ctx, sess.Repository)
	if err != nil {
		return nil, "", workspace.Context{}, err
	}
	return eng, credential, wc, nil
}

// executeTurn drives one engine invocation and persists its outcome. It owns
// the session's execution lock and releases it on every path.
func (m *Manager) executeTurn(
	ctx context.Context,
	cancel context.CancelFunc,
	turnID string,
	sess *core.Session,
	eng engine.Engine,
	credential string,
	wc workspace.Context,
	stream bool,
	chunks chan<- engine.Response,
	errCh chan<- error,
) {
	started := time.Now()
	defer func() {
		// Release before closing so a caller unblocked by the close can
		// immediately start the next turn on this session.
		m.release(sess.ID, turnID)
		cancel()
		close(chunks)
		close(errCh)
	}()

	desc := eng.Descriptor()
	model := sess.Model
	if model == "" {
		model = desc.DefaultModel
	}

	invokeCtx, cancelTimeout := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancelTimeout()

	inv := engine.Invocation{
		Model:      model,
		Credential: credential,
		Messages:   sess.Context(m.contextWindow),
		Workspace:  wc,
		Stream:     stream && desc.Streaming,
	}
	respCh, invErrCh := eng.Invoke(invokeCtx, inv)

	var final *engine.Response
	for resp := range respCh {
		if resp.Partial {
			// Relay in adapter order; partial chunks are never persisted.
			// Select on invokeCtx so a consumer that stops reading cannot
			// hold this goroutine (and the session lock) past the timeout.
			select {
			case <-invokeCtx.Done():
			case chunks <- resp:
			}
			continue
		}
		r := resp
		final = &r
	}
	if err := <-invErrCh; err != nil {
		err = classifyInvokeErr(err)
		m.logTurn(sess.ID, turnID, desc.ID, model, 0, time.Since(started), err)
		errCh <- err
		return
	}
	if final == nil {
		errCh <- fmt.Errorf("%w: engine %q closed the stream without a terminal response", core.ErrEngine, desc.ID)
		return
	}

	// The engine produced a completed answer: append it durably before
	// anything else so it is never discarded over a bookkeeping failure.
	msg := core.NewMessage(core.RoleAssistant, final.Text)
	if final.FinishReason != "" {
		msg.Metadata = map[string]string{"finish_reason": final.FinishReason}
	}
	if _, err := m.sessions.AppendMessage(sess.ID, msg); err != nil {
		errCh <- err
		return
	}

	tokens := 0
	if final.Usage != nil {
		tokens = final.Usage.TotalTokens
		rec := core.UsageRecord{
			OwnerID:          sess.OwnerID,
			SessionID:        sess.ID,
			Engine:           desc.ID,
			Model:            model,
			PromptTokens:     final.Usage.PromptTokens,
			CompletionTokens: final.Usage.CompletionTokens,
			TotalTokens:      final.Usage.TotalTokens,
			Timestamp:        time.Now().UTC(),
		}
		if err := m.usage.Record(rec); err != nil {
			// Accounting is non-fatal: the answer is already persisted.
			m.logger.Warn("usage recording failed", "session_id", sess.ID,
				"turn_id", turnID, "error", err.Error())
		}
	}

	m.logTurn(sess.ID, turnID, desc.ID, model, tokens, time.Since(started), nil)

	select {
	case <-invokeCtx.Done():
	case chunks <- *final:
	}
}

// logTurn reports the invocation outcome, routing through the logger's
// engine-call accounting when it provides one.
func (m *Manager) logTurn(sessionID, turnID, engineID, model string, tokens int, dur time.Duration, err error) {
	if bl, ok := m.logger.(*logging.BridgeLogger); ok {
		bl.WithSession(sessionID, turnID).LogEngineCall(engineID, model, tokens, dur, err)
		return
	}
	if err != nil {
		m.logger.Warn("turn failed", "session_id", sessionID, "turn_id", turnID,
			"engine", engineID, "duration", dur, "error", err.Error())
		return
	}
	m.logger.Info("turn completed", "session_id", sessionID, "turn_id", turnID,
		"engine", engineID, "model", model, "duration", dur)
}

// updateIdleBinding applies a binding change, rejecting it when a turn is in
// flight for the session. The execution slot is claimed for the duration of
// the write so a turn cannot start between the idle check and the update.
func (m *Manager) updateIdleBinding(ownerID, sessionID string, b core.Binding) (*core.Session, error) {
	if _, err := m.ownedSession(ownerID, sessionID); err != nil {
		return nil, err
	}
	claimID := core.NewID()
	if !m.tryAcquire(sessionID, claimID, func() {}) {
		return nil, fmt.Errorf("%w: cannot change binding of session %s mid-turn", core.ErrSessionBusy, sessionID)
	}
	defer m.release(sessionID, claimID)
	return m.sessions.UpdateBinding(sessionID, b)
}

// tryAcquire claims the session's execution lock without blocking.
func (m *Manager) tryAcquire(sessionID, turnID string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.inflight[sessionID]; held {
		return false
	}
	m.inflight[sessionID] = &turnState{turnID: turnID, cancel: cancel}
	return true
}

// release frees the session's execution lock if still held by this turn.
func (m *Manager) release(sessionID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, held := m.inflight[sessionID]; held && state.turnID == turnID {
		delete(m.inflight, sessionID)
	}
}

// classifyInvokeErr maps context expiry into the shared taxonomy; adapter
// errors arrive pre-classified.
func classifyInvokeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: engine invocation timed out", core.ErrEngineUnavailable)
	}
	return err
}
