package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentconsole/agentconsole/internal/engine"
	"github.com/agentconsole/agentconsole/internal/registry"
)

// fakeEngine lets tests control when a prompt settles and drive events and
// UI requests by hand.
type fakeEngine struct {
	mu          sync.Mutex
	subscribers []func(engine.Event)
	opts        engine.Options

	promptStarted chan struct{}
	promptRelease chan error
	disposed      int
	newSessions   int
	model         string
	thinking      string
}

func newFakeEngine(opts engine.Options) *fakeEngine {
	return &fakeEngine{
		opts:          opts,
		promptStarted: make(chan struct{}, 8),
		promptRelease: make(chan error),
	}
}

func (f *fakeEngine) Subscribe(fn func(engine.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, fn)
	return func() {}
}

func (f *fakeEngine) emit(ev engine.Event) {
	f.mu.Lock()
	subs := append([]func(engine.Event){}, f.subscribers...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeEngine) SendUserMessage(ctx context.Context, parts []engine.ContentPart) error {
	f.promptStarted <- struct{}{}
	select {
	case err := <-f.promptRelease:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeEngine) Abort(ctx context.Context) error { return nil }

func (f *fakeEngine) SetModel(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model = model
	return nil
}

func (f *fakeEngine) SetThinkingLevel(ctx context.Context, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thinking = level
	return nil
}

func (f *fakeEngine) NewSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newSessions++
	return nil
}

func (f *fakeEngine) AvailableModels(ctx context.Context) ([]engine.ModelInfo, error) {
	return []engine.ModelInfo{{ID: "m-1", Name: "Model One"}}, nil
}

func (f *fakeEngine) State() engine.State {
	return engine.State{SessionID: f.opts.SessionID, Model: f.model}
}

func (f *fakeEngine) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
	return nil
}

func (f *fakeEngine) disposeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// fakeConn records every frame broadcast to it.
type fakeConn struct {
	id  string
	key string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) SessionKey() string { return c.key }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return true
}

func (c *fakeConn) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, raw := range c.frames {
		var f struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &f); err == nil {
			types = append(types, f.Type)
		}
	}
	return types
}

func (c *fakeConn) waitForFrame(t *testing.T, wantType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, raw := range c.frames {
			var f struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(raw, &f) == nil && f.Type == wantType {
				out := append(json.RawMessage(nil), raw...)
				c.mu.Unlock()
				return out
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived; got types %v", wantType, c.frameTypes())
	return nil
}

type fixture struct {
	reg *registry.Registry
	orc *Orchestrator

	mu      sync.Mutex
	engines []*fakeEngine
	spawns  int
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	fx := &fixture{reg: registry.New()}
	fx.orc = New(Config{
		Registry:         fx.reg,
		UIRequestTimeout: timeout,
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.spawns++
			fe := newFakeEngine(opts)
			fx.engines = append(fx.engines, fe)
			return fe, nil
		},
	})
	return fx
}

func (fx *fixture) lastEngine() *fakeEngine {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.engines[len(fx.engines)-1]
}

func (fx *fixture) spawnCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.spawns
}

const testKey = "--home-u-app--/sess-1"

func seedSession(fx *fixture) {
	fx.reg.PutSession(registry.Session{Key: testKey, Status: registry.StatusIdle})
}

func TestSpawnIdempotent(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)

	h1, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir())
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	h2, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir())
	if err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if h1 != h2 {
		t.Fatal("second spawn returned a different handle")
	}
	if got := fx.spawnCount(); got != 1 {
		t.Fatalf("factory ran %d times, want 1", got)
	}
	if !h1.Ready() {
		t.Fatal("handle not ready after spawn")
	}
}

func TestSpawnFailureRegistersNothing(t *testing.T) {
	reg := registry.New()
	orc := New(Config{
		Registry: reg,
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			return nil, errors.New("agent binary missing")
		},
	})
	if _, err := orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err == nil {
		t.Fatal("spawn did not surface the factory error")
	}
	if _, ok := reg.Handle(testKey); ok {
		t.Fatal("failed spawn left a handle registered")
	}
}

func TestConcurrentPromptRejected(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	conn := &fakeConn{id: "c1", key: testKey}
	fx.reg.AddConnection(conn)

	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	prompt := Command{Type: "prompt", Content: []engine.ContentPart{{Type: "text", Text: "hello"}}}
	if err := fx.orc.Dispatch(context.Background(), testKey, prompt); err != nil {
		t.Fatalf("first prompt rejected: %v", err)
	}
	<-fe.promptStarted

	if err := fx.orc.Dispatch(context.Background(), testKey, prompt); !errors.Is(err, ErrBusy) {
		t.Fatalf("second prompt: got %v, want ErrBusy", err)
	}
	conn.waitForFrame(t, "error")

	// Settle the first prompt; the lock must come free again.
	fe.promptRelease <- nil
	deadline := time.Now().Add(2 * time.Second)
	for fx.reg.ExecutionLockHeld(testKey) {
		if time.Now().After(deadline) {
			t.Fatal("execution lock still held after prompt settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := fx.orc.Dispatch(context.Background(), testKey, prompt); err != nil {
		t.Fatalf("prompt after settle rejected: %v", err)
	}
	<-fe.promptStarted
	fe.promptRelease <- nil
}

func TestPromptFailureReleasesLockAndBroadcasts(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	conn := &fakeConn{id: "c1", key: testKey}
	fx.reg.AddConnection(conn)

	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	if err := fx.orc.Dispatch(context.Background(), testKey, Command{Type: "prompt"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	<-fe.promptStarted
	fe.promptRelease <- errors.New("engine crashed mid-turn")

	conn.waitForFrame(t, "error")
	deadline := time.Now().Add(2 * time.Second)
	for fx.reg.ExecutionLockHeld(testKey) {
		if time.Now().After(deadline) {
			t.Fatal("execution lock leaked after prompt failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := fx.reg.Session(testKey)
	if s.Status != registry.StatusError {
		t.Fatalf("session status = %q, want error", s.Status)
	}
}

func TestEventFanOutToAllConnections(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	c1 := &fakeConn{id: "c1", key: testKey}
	c2 := &fakeConn{id: "c2", key: testKey}
	other := &fakeConn{id: "c3", key: "--other--/sess-9"}
	fx.reg.AddConnection(c1)
	fx.reg.AddConnection(c2)
	fx.reg.AddConnection(other)

	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fx.lastEngine().emit(engine.Event{Type: "session/update", Payload: json.RawMessage(`{"k":"v"}`)})

	raw := c1.waitForFrame(t, "event")
	var frame struct {
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal event frame: %v", err)
	}
	if string(frame.Event) != `{"k":"v"}` {
		t.Fatalf("event payload = %s", frame.Event)
	}
	c2.waitForFrame(t, "event")

	other.mu.Lock()
	leaked := len(other.frames)
	other.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("event leaked to a connection on another session (%d frames)", leaked)
	}
}

func TestGetStateBroadcastsResponse(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	conn := &fakeConn{id: "c1", key: testKey}
	fx.reg.AddConnection(conn)

	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := fx.orc.Dispatch(context.Background(), testKey, Command{Type: "get_state"}); err != nil {
		t.Fatalf("get_state: %v", err)
	}
	raw := conn.waitForFrame(t, "response")
	var frame struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal response frame: %v", err)
	}
	if frame.Command != "get_state" {
		t.Fatalf("response command = %q", frame.Command)
	}
}

func TestDispatchWithoutHandle(t *testing.T) {
	fx := newFixture(t, time.Minute)
	if err := fx.orc.Dispatch(context.Background(), testKey, Command{Type: "get_state"}); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("got %v, want ErrNoProcess", err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := fx.orc.Dispatch(context.Background(), testKey, Command{Type: "frobnicate"}); err == nil {
		t.Fatal("unknown command type was accepted")
	}
}

func TestUIRequestResolve(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	conn := &fakeConn{id: "c1", key: testKey}
	fx.reg.AddConnection(conn)

	h, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	type result struct {
		resp engine.UIResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fe.opts.OnUIRequest(context.Background(), engine.UIRequest{
			Method: "confirm",
			Params: json.RawMessage(`{"question":"proceed?"}`),
		})
		done <- result{resp, err}
	}()

	raw := conn.waitForFrame(t, "extension_ui_request")
	var frame struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal UI request frame: %v", err)
	}
	if frame.Method != "confirm" || frame.ID == "" {
		t.Fatalf("bad UI request frame: %+v", frame)
	}
	if got := fx.orc.PendingUIRequestCount(testKey); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}

	yes := true
	if !fx.orc.ResolveUIRequest(testKey, engine.UIResponse{ID: frame.ID, Confirmed: &yes}) {
		t.Fatal("resolve reported no pending request")
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("UI request errored: %v", res.err)
	}
	if res.resp.Confirmed == nil || !*res.resp.Confirmed {
		t.Fatalf("response not confirmed: %+v", res.resp)
	}
	if fx.orc.ResolveUIRequest(testKey, engine.UIResponse{ID: frame.ID}) {
		t.Fatal("second resolve for the same id succeeded")
	}
	if got := fx.orc.PendingUIRequestCount(testKey); got != 0 {
		t.Fatalf("pending count after resolve = %d, want 0", got)
	}
	_ = h
}

func TestUIRequestTimeout(t *testing.T) {
	fx := newFixture(t, 30*time.Millisecond)
	seedSession(fx)
	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	resp, err := fe.opts.OnUIRequest(context.Background(), engine.UIRequest{Method: "confirm"})
	if err != nil {
		t.Fatalf("timed-out request should auto-resolve, got error %v", err)
	}
	if !resp.Cancelled {
		t.Fatal("timed-out request did not resolve as cancelled")
	}
	if got := fx.orc.PendingUIRequestCount(testKey); got != 0 {
		t.Fatalf("pending count after timeout = %d, want 0", got)
	}
}

func TestRejectPendingUIRequests(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	errCh := make(chan error, 1)
	go func() {
		_, err := fe.opts.OnUIRequest(context.Background(), engine.UIRequest{Method: "confirm"})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fx.orc.PendingUIRequestCount(testKey) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("UI request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.orc.RejectPendingUIRequests(testKey, "all connections closed")
	if err := <-errCh; err == nil {
		t.Fatal("rejected request returned no error")
	}
	if fx.reg.ExecutionLockHeld(testKey) {
		t.Fatal("rejecting UI requests must not touch the execution lock")
	}
	if _, ok := fx.reg.Handle(testKey); !ok {
		t.Fatal("rejecting UI requests must keep the process handle alive")
	}
}

func TestKillIdempotentAndRejectsPending(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fe := fx.lastEngine()

	errCh := make(chan error, 1)
	go func() {
		_, err := fe.opts.OnUIRequest(context.Background(), engine.UIRequest{Method: "confirm"})
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for fx.orc.PendingUIRequestCount(testKey) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("UI request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.orc.Kill(testKey)
	if err := <-errCh; err == nil || err.Error() != "process killed" {
		t.Fatalf("pending request after kill: err = %v, want process killed", err)
	}
	if _, ok := fx.reg.Handle(testKey); ok {
		t.Fatal("handle still registered after kill")
	}

	fx.orc.Kill(testKey)
	if got := fe.disposeCount(); got != 1 {
		t.Fatalf("engine disposed %d times, want 1", got)
	}
}

// recordingActivity counts durable activity writes.
type recordingActivity struct {
	mu      sync.Mutex
	touches []string
}

func (r *recordingActivity) TouchSession(key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches = append(r.touches, key)
	return nil
}

func (r *recordingActivity) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.touches)
}

func (r *recordingActivity) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touches...)
}

func TestPromptWritesActivityThrough(t *testing.T) {
	rec := &recordingActivity{}
	reg := registry.New()
	var fe *fakeEngine
	orc := New(Config{
		Registry: reg,
		Activity: rec,
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			fe = newFakeEngine(opts)
			return fe, nil
		},
	})
	reg.PutSession(registry.Session{Key: testKey, Status: registry.StatusIdle})

	if _, err := orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := orc.Dispatch(context.Background(), testKey, Command{Type: "prompt"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	<-fe.promptStarted
	if got := rec.count(); got != 1 {
		t.Fatalf("activity writes at prompt accept = %d, want 1", got)
	}
	fe.promptRelease <- nil

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no activity write when the prompt settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, key := range rec.keys() {
		if key != testKey {
			t.Fatalf("activity recorded for %q, want %q", key, testKey)
		}
	}
}

func TestEngineExitMarksSessionError(t *testing.T) {
	fx := newFixture(t, time.Minute)
	seedSession(fx)
	if _, err := fx.orc.Spawn(context.Background(), testKey, "/home/u/app", t.TempDir()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	fx.lastEngine().emit(engine.Event{Type: "engine_exit", Payload: json.RawMessage(`{"type":"engine_exit"}`)})

	s, ok := fx.reg.Session(testKey)
	if !ok {
		t.Fatal("session vanished")
	}
	if s.Status != registry.StatusError {
		t.Fatalf("status = %q, want error", s.Status)
	}
}
