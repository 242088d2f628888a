// Package engine defines the boundary contract with the agent runtime that
// turns prompts into streamed events, and provides an implementation that
// drives an ACP-speaking agent subprocess over stdio.
package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// Event is a single engine-emitted event. Payload is the full wire-form
// object broadcast to connected clients; Type is extracted for logging.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// ContentPart is one piece of prompt content: text, or an image attachment.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for images
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is a snapshot of the engine's readable properties.
type State struct {
	SessionID     string            `json:"sessionId"`
	SessionFile   string            `json:"sessionFile"`
	Model         string            `json:"model"`
	ThinkingLevel string            `json:"thinkingLevel"`
	Messages      []json.RawMessage `json:"messages"`
}

// UIRequest is an engine-originated request for synchronous human input,
// routed through the socket layer.
type UIRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UIResponse answers a UIRequest.
type UIResponse struct {
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value,omitempty"`
	Confirmed *bool           `json:"confirmed,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

// UIRequestHandler blocks until the request is answered, times out, or the
// owning process is killed. Supplied by the orchestrator at construction.
type UIRequestHandler func(ctx context.Context, req UIRequest) (UIResponse, error)

// Engine is the agent runtime consumed as an opaque event-emitting service.
type Engine interface {
	// Subscribe registers fn for every subsequent event. The returned
	// function unsubscribes; it is O(1) and safe to call concurrently
	// with event emission.
	Subscribe(fn func(Event)) (unsubscribe func())

	// SendUserMessage submits prompt content. It blocks until the engine
	// settles the prompt (success or error).
	SendUserMessage(ctx context.Context, parts []ContentPart) error

	// Abort cooperatively cancels the in-flight prompt, if any.
	Abort(ctx context.Context) error

	SetModel(ctx context.Context, model string) error
	SetThinkingLevel(ctx context.Context, level string) error

	// NewSession discards the current conversation and starts a fresh one.
	NewSession(ctx context.Context) error

	// AvailableModels lists the models this engine can switch between.
	AvailableModels(ctx context.Context) ([]ModelInfo, error)

	// State returns a snapshot of the engine's readable properties.
	State() State

	// Dispose stops the underlying process and releases resources.
	Dispose() error
}

// Options carries per-session construction parameters to a Factory.
type Options struct {
	ProjectPath string
	SessionDir  string
	SessionID   string
	OnUIRequest UIRequestHandler
}

// Factory constructs an engine bound to a project path and session
// directory. Construction failures must not leave a process behind.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// broadcaster fans events out to subscriber callbacks. Unsubscription is
// O(1) and safe during iteration: emit works on a snapshot.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]func(Event))}
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
