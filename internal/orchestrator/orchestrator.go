// Package orchestrator owns the mapping from session key to a live backing
// engine instance: idempotent spawn, command dispatch under the per-session
// execution lock, event fan-out to every attached connection, and the
// pending extension-UI request map with its timeout timers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentconsole/agentconsole/internal/engine"
	"github.com/agentconsole/agentconsole/internal/pathkey"
	"github.com/agentconsole/agentconsole/internal/registry"
)

// DefaultUIRequestTimeout bounds how long an extension-UI request waits for
// a client answer before auto-resolving as cancelled.
const DefaultUIRequestTimeout = 5 * time.Minute

var (
	// ErrBusy is returned when a prompt arrives while another is in flight.
	ErrBusy = errors.New("agent is busy")
	// ErrNoProcess is returned when a command targets a session with no
	// live process handle.
	ErrNoProcess = errors.New("no live process for session")
)

// Command is a client-issued instruction for a session's engine.
type Command struct {
	Type          string               `json:"type"`
	Content       []engine.ContentPart `json:"content,omitempty"`
	Model         string               `json:"model,omitempty"`
	ThinkingLevel string               `json:"thinkingLevel,omitempty"`
}

// ActivityRecorder persists session activity timestamps. Implemented by
// the store; optional.
type ActivityRecorder interface {
	TouchSession(key string, at time.Time) error
}

// Config holds orchestrator construction parameters.
type Config struct {
	Registry         *registry.Registry
	Factory          engine.Factory
	Activity         ActivityRecorder
	UIRequestTimeout time.Duration
}

// Orchestrator is constructed once at process start and injected where
// needed; there is no package-level instance.
type Orchestrator struct {
	reg       *registry.Registry
	factory   engine.Factory
	activity  ActivityRecorder
	uiTimeout time.Duration

	// spawnMu serializes engine construction so concurrent spawns for the
	// same key cannot both build an engine.
	spawnMu sync.Mutex
}

// New creates an orchestrator over the given registry and engine factory.
func New(cfg Config) *Orchestrator {
	timeout := cfg.UIRequestTimeout
	if timeout <= 0 {
		timeout = DefaultUIRequestTimeout
	}
	return &Orchestrator{
		reg:       cfg.Registry,
		factory:   cfg.Factory,
		activity:  cfg.Activity,
		uiTimeout: timeout,
	}
}

// touch stamps activity in the registry and writes it through to the
// recorder. Durable writes happen at prompt boundaries, not per streamed
// event.
func (o *Orchestrator) touch(key string) {
	o.reg.TouchSession(key)
	if o.activity != nil {
		if err := o.activity.TouchSession(key, time.Now()); err != nil {
			slog.Debug("orchestrator: activity write failed", "sessionKey", key, "error", err)
		}
	}
}

// uiResult resolves one pending extension-UI request.
type uiResult struct {
	resp engine.UIResponse
	err  error
}

type pendingUIRequest struct {
	id    string
	ch    chan uiResult
	timer *time.Timer
}

// Handle is the live process handle for one session. Exactly one exists
// per session key; the registry enforces that.
type Handle struct {
	key string
	orc *Orchestrator

	eng         engine.Engine
	unsubscribe func()
	ready       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingUIRequest
	killed  bool
}

// SessionKey implements registry.Handle.
func (h *Handle) SessionKey() string { return h.key }

// Ready reports whether the backing engine accepts commands.
func (h *Handle) Ready() bool { return h.ready.Load() }

// Kill implements registry.Handle: full idempotent teardown. It also
// removes the handle from the registry if still present, so killing via
// either path converges.
func (h *Handle) Kill() {
	h.orc.reg.DeleteHandle(h.key)
	h.teardown("process killed")
}

// teardown rejects pending UI requests, unsubscribes from the engine, and
// disposes it. Safe to call more than once.
func (h *Handle) teardown(reason string) {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.ready.Store(false)
	pending := h.pending
	h.pending = make(map[string]*pendingUIRequest)
	h.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- uiResult{err: errors.New(reason)}
	}

	h.cancel()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if err := h.eng.Dispose(); err != nil {
		slog.Warn("orchestrator: engine dispose failed", "sessionKey", h.key, "error", err)
	}
	slog.Info("orchestrator: process handle torn down", "sessionKey", h.key, "reason", reason)
}

// Spawn returns the live handle for the session, constructing the engine
// if absent. Idempotent: a second spawn for the same key returns the
// existing handle unchanged. A construction failure registers nothing.
func (o *Orchestrator) Spawn(ctx context.Context, sessionKey, projectPath, sessionDir string) (*Handle, error) {
	if existing, ok := o.reg.Handle(sessionKey); ok {
		return existing.(*Handle), nil
	}

	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()

	// Re-check under the spawn lock: another caller may have won the race.
	if existing, ok := o.reg.Handle(sessionKey); ok {
		return existing.(*Handle), nil
	}

	_, sessionID, ok := pathkey.SplitKey(sessionKey)
	if !ok {
		sessionID = sessionKey
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		key:     sessionKey,
		orc:     o,
		ctx:     hctx,
		cancel:  cancel,
		pending: make(map[string]*pendingUIRequest),
	}

	eng, err := o.factory(ctx, engine.Options{
		ProjectPath: projectPath,
		SessionDir:  sessionDir,
		SessionID:   sessionID,
		OnUIRequest: func(reqCtx context.Context, req engine.UIRequest) (engine.UIResponse, error) {
			return o.awaitUIRequest(reqCtx, h, req)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("spawn engine for %s: %w", sessionKey, err)
	}
	h.eng = eng
	h.unsubscribe = eng.Subscribe(func(ev engine.Event) {
		o.onEngineEvent(sessionKey, ev)
	})
	h.ready.Store(true)

	if _, stored := o.reg.SetHandleIfAbsent(h); !stored {
		// Lost a race we should not be able to lose while holding spawnMu;
		// dispose the duplicate engine rather than leak it.
		h.teardown("duplicate spawn")
		existing, _ := o.reg.Handle(sessionKey)
		return existing.(*Handle), nil
	}

	slog.Info("orchestrator: engine spawned", "sessionKey", sessionKey, "projectPath", projectPath)
	return h, nil
}

// Kill tears down the handle for a session. Killing twice, or killing an
// absent handle, is a no-op.
func (o *Orchestrator) Kill(sessionKey string) {
	h, ok := o.reg.DeleteHandle(sessionKey)
	if !ok {
		return
	}
	h.(*Handle).teardown("process killed")
}

// Dispatch routes a command to the session's engine. Prompt commands are
// gated by the execution lock; a concurrent prompt is rejected, never
// queued.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionKey string, cmd Command) error {
	raw, ok := o.reg.Handle(sessionKey)
	if !ok {
		return ErrNoProcess
	}
	h := raw.(*Handle)

	switch cmd.Type {
	case "prompt":
		return o.dispatchPrompt(h, cmd)
	case "abort":
		return h.eng.Abort(ctx)
	case "get_state":
		o.broadcastResponse(sessionKey, cmd.Type, h.eng.State())
		return nil
	case "get_available_models":
		models, err := h.eng.AvailableModels(ctx)
		if err != nil {
			return err
		}
		o.broadcastResponse(sessionKey, cmd.Type, models)
		return nil
	case "set_model":
		return h.eng.SetModel(ctx, cmd.Model)
	case "set_thinking_level":
		return h.eng.SetThinkingLevel(ctx, cmd.ThinkingLevel)
	case "new_session":
		return h.eng.NewSession(ctx)
	default:
		return fmt.Errorf("unknown command type: %q", cmd.Type)
	}
}

// dispatchPrompt submits prompt content under the single-flight execution
// lock. The lock is released exactly once when the engine settles,
// success or failure.
func (o *Orchestrator) dispatchPrompt(h *Handle, cmd Command) error {
	key := h.key
	if !o.reg.AcquireExecutionLock(key) {
		o.BroadcastError(key, "agent is busy: a prompt is already in flight")
		return ErrBusy
	}

	if err := o.reg.SetSessionStatus(key, registry.StatusStreaming); err != nil {
		slog.Debug("orchestrator: status update skipped", "sessionKey", key, "error", err)
	}
	o.touch(key)

	go func() {
		err := h.eng.SendUserMessage(h.ctx, cmd.Content)

		if !o.reg.ReleaseExecutionLock(key) {
			slog.Warn("orchestrator: execution lock was not held at release", "sessionKey", key)
		}
		o.touch(key)

		if err != nil {
			_ = o.reg.SetSessionStatus(key, registry.StatusError)
			slog.Error("orchestrator: prompt failed", "sessionKey", key, "error", err)
			o.BroadcastError(key, fmt.Sprintf("prompt failed: %v", err))
			return
		}
		_ = o.reg.SetSessionStatus(key, registry.StatusIdle)
	}()

	return nil
}

// ResolveUIRequest answers a pending extension-UI request with a client
// response. Returns false when no such request is pending (already
// answered, timed out, or rejected).
func (o *Orchestrator) ResolveUIRequest(sessionKey string, resp engine.UIResponse) bool {
	raw, ok := o.reg.Handle(sessionKey)
	if !ok {
		return false
	}
	h := raw.(*Handle)

	h.mu.Lock()
	p, ok := h.pending[resp.ID]
	if ok {
		delete(h.pending, resp.ID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- uiResult{resp: resp}
	return true
}

// RejectPendingUIRequests rejects every pending extension-UI request for a
// session, cancelling their timers. Used when the last connection
// disconnects: no one is left to answer them. The process itself stays up.
func (o *Orchestrator) RejectPendingUIRequests(sessionKey, reason string) {
	raw, ok := o.reg.Handle(sessionKey)
	if !ok {
		return
	}
	h := raw.(*Handle)

	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingUIRequest)
	h.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- uiResult{err: errors.New(reason)}
	}
	if len(pending) > 0 {
		slog.Info("orchestrator: rejected pending UI requests", "sessionKey", sessionKey, "count", len(pending), "reason", reason)
	}
}

// PendingUIRequestCount reports how many extension-UI requests await an
// answer for a session.
func (o *Orchestrator) PendingUIRequestCount(sessionKey string) int {
	raw, ok := o.reg.Handle(sessionKey)
	if !ok {
		return 0
	}
	h := raw.(*Handle)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// awaitUIRequest registers a pending request, broadcasts it to every
// connection, and blocks until answered, timed out, rejected, or the
// caller's context ends.
func (o *Orchestrator) awaitUIRequest(ctx context.Context, h *Handle, req engine.UIRequest) (engine.UIResponse, error) {
	id := uuid.NewString()
	req.ID = id
	ch := make(chan uiResult, 1)

	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return engine.UIResponse{ID: id, Cancelled: true}, errors.New("process killed")
	}
	timer := time.AfterFunc(o.uiTimeout, func() {
		o.expireUIRequest(h, id)
	})
	h.pending[id] = &pendingUIRequest{id: id, ch: ch, timer: timer}
	h.mu.Unlock()

	o.broadcast(h.key, map[string]interface{}{
		"type":   "extension_ui_request",
		"id":     id,
		"method": req.Method,
		"params": req.Params,
	})

	select {
	case res := <-ch:
		if res.err != nil {
			return engine.UIResponse{ID: id, Cancelled: true}, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		o.dropUIRequest(h, id)
		return engine.UIResponse{ID: id, Cancelled: true}, ctx.Err()
	}
}

// expireUIRequest fires from the timeout timer: the request auto-resolves
// as cancelled and is removed.
func (o *Orchestrator) expireUIRequest(h *Handle, id string) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("orchestrator: UI request timed out", "sessionKey", h.key, "requestId", id)
	p.ch <- uiResult{resp: engine.UIResponse{ID: id, Cancelled: true}}
}

func (o *Orchestrator) dropUIRequest(h *Handle, id string) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// onEngineEvent serializes an engine event once and fans it out to every
// connection for the session. A session with zero connections drops the
// event here; buffering for slow consumers is the gateway's job.
func (o *Orchestrator) onEngineEvent(sessionKey string, ev engine.Event) {
	o.reg.TouchSession(sessionKey)
	if ev.Type == "engine_exit" {
		_ = o.reg.SetSessionStatus(sessionKey, registry.StatusError)
	}
	o.broadcast(sessionKey, map[string]interface{}{
		"type":  "event",
		"event": ev.Payload,
	})
}

// BroadcastError sends a structured error frame to every connection for a
// session.
func (o *Orchestrator) BroadcastError(sessionKey, message string) {
	o.broadcast(sessionKey, map[string]string{
		"type":    "error",
		"message": message,
	})
}

func (o *Orchestrator) broadcastResponse(sessionKey, command string, data interface{}) {
	o.broadcast(sessionKey, map[string]interface{}{
		"type":    "response",
		"command": command,
		"data":    data,
	})
}

// broadcast marshals the frame once and sends it to all live connections.
// A failed per-connection send is the gateway's backpressure problem; it
// never aborts delivery to siblings.
func (o *Orchestrator) broadcast(sessionKey string, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("orchestrator: frame marshal failed", "sessionKey", sessionKey, "error", err)
		return
	}
	for _, c := range o.reg.Connections(sessionKey) {
		if !c.Send(data) {
			slog.Warn("orchestrator: send rejected by connection", "sessionKey", sessionKey, "connID", c.ID())
		}
	}
}
