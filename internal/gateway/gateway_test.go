package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/engine"
	"github.com/agentconsole/agentconsole/internal/orchestrator"
	"github.com/agentconsole/agentconsole/internal/registry"
)

const testKey = "--home-u-app--/sess-1"

type stubEngine struct {
	mu      sync.Mutex
	subs    []func(engine.Event)
	opts    engine.Options
	prompts [][]engine.ContentPart
}

func (s *stubEngine) Subscribe(fn func(engine.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}
}

func (s *stubEngine) emit(ev engine.Event) {
	s.mu.Lock()
	subs := append([]func(engine.Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *stubEngine) SendUserMessage(ctx context.Context, parts []engine.ContentPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, parts)
	return nil
}

func (s *stubEngine) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *stubEngine) Abort(ctx context.Context) error                  { return nil }
func (s *stubEngine) SetModel(ctx context.Context, m string) error     { return nil }
func (s *stubEngine) SetThinkingLevel(ctx context.Context, l string) error { return nil }
func (s *stubEngine) NewSession(ctx context.Context) error             { return nil }
func (s *stubEngine) AvailableModels(ctx context.Context) ([]engine.ModelInfo, error) {
	return nil, nil
}
func (s *stubEngine) State() engine.State { return engine.State{SessionID: s.opts.SessionID} }
func (s *stubEngine) Dispose() error      { return nil }

type harness struct {
	reg    *registry.Registry
	orc    *orchestrator.Orchestrator
	gw     *Gateway
	srv    *httptest.Server
	engine *stubEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: registry.New(), engine: &stubEngine{}}
	h.orc = orchestrator.New(orchestrator.Config{
		Registry: h.reg,
		Factory: func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			h.engine.opts = opts
			return h.engine, nil
		},
	})
	h.gw = New(Config{
		Registry:       h.reg,
		Orchestrator:   h.orc,
		TranscriptRoot: t.TempDir(),
		QueueSize:      8,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/session/{key...}", h.gw.HandleSessionWS)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)

	h.reg.PutSession(registry.Session{Key: testKey, Status: registry.StatusIdle})
	return h
}

func (h *harness) dial(t *testing.T, identifier string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/session/" + identifier
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn, wantType string) map[string]json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var frame map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		var typ string
		require.NoError(t, json.Unmarshal(frame["type"], &typ))
		if typ == wantType {
			return frame
		}
	}
}

func TestConnectAckAfterSpawn(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)

	frame := readFrame(t, ws, "connected")
	var key string
	require.NoError(t, json.Unmarshal(frame["sessionKey"], &key))
	assert.Equal(t, testKey, key)

	_, ok := h.reg.Handle(testKey)
	assert.True(t, ok, "spawn must have registered a handle")
	assert.Equal(t, 1, h.reg.ConnectionCount(testKey))
}

func TestSessionNotFoundCloses1008(t *testing.T) {
	h := newHarness(t)
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/session/--nope--/missing"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, int(CloseSessionNotFound), closeErr.Code)

	_, found := h.reg.Handle("--nope--/missing")
	assert.False(t, found, "no placeholder handle may be created")
}

func TestCommandForwardedToEngine(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)
	readFrame(t, ws, "connected")

	frame := `{"type":"command","command":{"type":"prompt","content":[{"type":"text","text":"hi"}]}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool {
		return h.engine.promptCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBroadcastToAllConnections(t *testing.T) {
	h := newHarness(t)
	ws1 := h.dial(t, testKey)
	readFrame(t, ws1, "connected")
	ws2 := h.dial(t, testKey)
	readFrame(t, ws2, "connected")

	require.Eventually(t, func() bool {
		return h.reg.ConnectionCount(testKey) == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.engine.emit(engine.Event{Type: "session/update", Payload: json.RawMessage(`{"n":1}`)})

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		frame := readFrame(t, ws, "event")
		assert.JSONEq(t, `{"n":1}`, string(frame["event"]))
	}
}

func TestMalformedJSONDoesNotKillConnection(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)
	readFrame(t, ws, "connected")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The connection must survive and still receive broadcasts.
	time.Sleep(50 * time.Millisecond)
	h.engine.emit(engine.Event{Type: "session/update", Payload: json.RawMessage(`{"ok":true}`)})
	frame := readFrame(t, ws, "event")
	assert.JSONEq(t, `{"ok":true}`, string(frame["event"]))
}

func TestLastDisconnectRejectsPendingUIRequests(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)
	readFrame(t, ws, "connected")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.engine.opts.OnUIRequest(context.Background(), engine.UIRequest{Method: "confirm"})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return h.orc.PendingUIRequestCount(testKey) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ws.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disconnected")
	case <-time.After(2 * time.Second):
		t.Fatal("pending UI request was not rejected on last disconnect")
	}

	// The engine stays warm for the next attach.
	require.Eventually(t, func() bool {
		return h.reg.ConnectionCount(testKey) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := h.reg.Handle(testKey)
	assert.True(t, ok, "process handle must survive last disconnect")
}

func TestUIResponseResolvesPendingRequest(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)
	readFrame(t, ws, "connected")

	type result struct {
		resp engine.UIResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.engine.opts.OnUIRequest(context.Background(), engine.UIRequest{
			Method: "confirm",
			Params: json.RawMessage(`{"question":"apply?"}`),
		})
		done <- result{resp, err}
	}()

	frame := readFrame(t, ws, "extension_ui_request")
	var id string
	require.NoError(t, json.Unmarshal(frame["id"], &id))
	require.NotEmpty(t, id)

	// Answer fields travel at the top level of the frame.
	reply := `{"type":"extension_ui_response","id":"` + id + `","confirmed":true}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(reply)))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.resp.Confirmed)
		assert.True(t, *res.resp.Confirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("UI request never resolved")
	}
}

func TestHeartbeatClosesDeadConnection(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, testKey)
	readFrame(t, ws, "connected")

	// The client stops reading entirely, so the ping sent by the first
	// sweep is never answered. The second sweep must force the disconnect.
	h.gw.sweep()
	time.Sleep(50 * time.Millisecond)
	h.gw.sweep()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		t.Fatal("socket still open after two missed heartbeats")
	}

	require.Eventually(t, func() bool {
		return h.reg.ConnectionCount(testKey) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := h.reg.Handle(testKey)
	assert.True(t, ok, "force-disconnect must not kill the engine")
}

func TestDecodeIdentifier(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "--home-u-app--/sess-1", "--home-u-app--/sess-1"},
		{"single encoded", "--home-u-app--%2Fsess-1", "--home-u-app--/sess-1"},
		{"double encoded legacy", "--home-u-app--%252Fsess-1", "--home-u-app--/sess-1"},
		{"literal percent stays after double decode attempt", "a%2525b", "a%b"},
		{"invalid escape passthrough", "a%zzb", "a%zzb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeIdentifier(tc.in))
		})
	}
}

func TestResolveSessionLazyLoad(t *testing.T) {
	h := newHarness(t)
	lateKey := "--home-u-late--/sess-9"
	h.gw.loader = loaderFunc(func(ctx context.Context) error {
		h.reg.PutSession(registry.Session{Key: lateKey, Status: registry.StatusIdle})
		return nil
	})

	s, ok := h.gw.resolveSession(context.Background(), lateKey)
	require.True(t, ok, "lazy load must surface the session")
	assert.Equal(t, lateKey, s.Key)
}

type loaderFunc func(ctx context.Context) error

func (f loaderFunc) Reload(ctx context.Context) error { return f(ctx) }
