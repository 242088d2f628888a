// Package gateway turns raw websocket upgrades into live, tracked session
// connections: identifier resolution with a lazy-load fallback, a connected
// acknowledgment gated on process readiness, heartbeat liveness, and
// per-connection outbound backpressure.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentconsole/agentconsole/internal/engine"
	"github.com/agentconsole/agentconsole/internal/orchestrator"
	"github.com/agentconsole/agentconsole/internal/pathkey"
	"github.com/agentconsole/agentconsole/internal/registry"
)

// CloseSessionNotFound is the websocket close code sent when the requested
// identifier resolves to no known session.
const CloseSessionNotFound = websocket.ClosePolicyViolation // 1008

// DefaultHeartbeatInterval is how often half-open sockets are probed.
const DefaultHeartbeatInterval = 30 * time.Second

// SessionLoader reloads session metadata from disk. The gateway invokes it
// once when an identifier misses both registry lookups.
type SessionLoader interface {
	Reload(ctx context.Context) error
}

// Config holds gateway construction parameters.
type Config struct {
	Registry          *registry.Registry
	Orchestrator      *orchestrator.Orchestrator
	Loader            SessionLoader
	TranscriptRoot    string
	Upgrader          websocket.Upgrader
	QueueSize         int
	HeartbeatInterval time.Duration
}

// Gateway accepts session websockets and keeps them alive.
type Gateway struct {
	reg            *registry.Registry
	orc            *orchestrator.Orchestrator
	loader         SessionLoader
	transcriptRoot string
	upgrader       websocket.Upgrader
	queueSize      int
	heartbeat      time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates a gateway. Start must be called to run the heartbeat loop.
func New(cfg Config) *Gateway {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = DefaultQueueSize
	}
	return &Gateway{
		reg:            cfg.Registry,
		orc:            cfg.Orchestrator,
		loader:         cfg.Loader,
		transcriptRoot: cfg.TranscriptRoot,
		upgrader:       cfg.Upgrader,
		queueSize:      qs,
		heartbeat:      hb,
		conns:          make(map[string]*Conn),
	}
}

// Start runs the heartbeat loop until ctx ends. Connections that missed a
// pong for a full interval are forcibly disconnected.
func (g *Gateway) Start(ctx context.Context) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Gateway) sweep() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if !c.aliveAndReset() {
			slog.Info("gateway: heartbeat timeout, disconnecting", "connID", c.id, "sessionKey", c.key)
			c.close()
			continue
		}
		if err := c.ping(); err != nil {
			slog.Debug("gateway: ping failed", "connID", c.id, "error", err)
		}
		go c.flush()
	}
}

// decodeIdentifier URL-decodes the wire identifier once. Single encoding
// is canonical; when the single decode still contains percent escapes, a
// second decode is tried as a compatibility shim for clients that
// double-encoded.
func decodeIdentifier(raw string) string {
	once, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	if strings.Contains(once, "%") {
		if twice, err := url.PathUnescape(once); err == nil {
			return twice
		}
	}
	return once
}

// resolveSession maps a wire identifier to a known session key. Ordered:
// direct registry lookup, linear scan across all sessions, one lazy disk
// reload plus rescan, then failure.
func (g *Gateway) resolveSession(ctx context.Context, identifier string) (registry.Session, bool) {
	decoded := decodeIdentifier(identifier)

	if s, ok := g.reg.Session(decoded); ok {
		return s, true
	}

	if s, ok := g.scanSessions(identifier, decoded); ok {
		return s, true
	}

	if g.loader != nil {
		if err := g.loader.Reload(ctx); err != nil {
			slog.Warn("gateway: session reload failed", "error", err)
		} else if s, ok := g.scanSessions(identifier, decoded); ok {
			return s, true
		}
	}
	return registry.Session{}, false
}

func (g *Gateway) scanSessions(raw, decoded string) (registry.Session, bool) {
	for _, s := range g.reg.AllSessions() {
		if s.Key == decoded || s.Key == raw {
			return s, true
		}
	}
	return registry.Session{}, false
}

// HandleSessionWS upgrades the request and attaches the socket to the
// session named by the "key" path segment.
func (g *Gateway) HandleSessionWS(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("key")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}

	sess, ok := g.resolveSession(r.Context(), identifier)
	if !ok {
		slog.Info("gateway: session not found", "identifier", identifier)
		msg := websocket.FormatCloseMessage(CloseSessionNotFound, "session not found")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return
	}

	projectPath, sessionDir := g.sessionPaths(sess)
	handle, err := g.orc.Spawn(r.Context(), sess.Key, projectPath, sessionDir)
	if err != nil {
		slog.Error("gateway: spawn failed", "sessionKey", sess.Key, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to start agent process")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return
	}

	c := newConn(ws, sess.Key, g.queueSize)
	g.reg.AddConnection(c)
	g.track(c)

	// The connected ack goes out only once the process accepts commands.
	if handle.Ready() {
		ack, _ := json.Marshal(map[string]string{"type": "connected", "sessionKey": sess.Key})
		c.Send(ack)
	}
	slog.Info("gateway: connection attached", "connID", c.id, "sessionKey", sess.Key)

	go g.readLoop(c)
}

// sessionPaths derives the filesystem paths the orchestrator needs. The
// project record is authoritative; the reversible directory name is the
// fallback when no project is loaded.
func (g *Gateway) sessionPaths(sess registry.Session) (projectPath, sessionDir string) {
	dirName, _, ok := pathkey.SplitKey(sess.Key)
	if ok {
		sessionDir = filepath.Join(g.transcriptRoot, dirName)
		projectPath = pathkey.Decode(dirName)
	}
	if p, found := g.reg.Project(sess.ProjectID); found {
		projectPath = p.Path
	}
	return projectPath, sessionDir
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

// inboundFrame is the closed tagged union a client may send. Command
// frames nest the command object; extension_ui_response frames carry
// their answer fields (id, value, confirmed, cancelled) at the top
// level and are re-parsed as engine.UIResponse.
type inboundFrame struct {
	Type    string                `json:"type"`
	Command *orchestrator.Command `json:"command,omitempty"`
}

// readLoop consumes inbound frames until the socket dies, then runs
// disconnect cleanup exactly once.
func (g *Gateway) readLoop(c *Conn) {
	defer g.disconnect(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway: read error", "connID", c.id, "error", err)
			}
			return
		}
		c.markAlive()

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("gateway: malformed frame dropped", "connID", c.id, "error", err)
			continue
		}

		switch frame.Type {
		case "command":
			if frame.Command == nil {
				slog.Warn("gateway: command frame without command", "connID", c.id)
				continue
			}
			if err := g.orc.Dispatch(context.Background(), c.key, *frame.Command); err != nil {
				slog.Warn("gateway: command dispatch failed", "connID", c.id, "command", frame.Command.Type, "error", err)
			}
		case "extension_ui_response":
			var resp engine.UIResponse
			if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
				slog.Warn("gateway: UI response frame without id", "connID", c.id)
				continue
			}
			if !g.orc.ResolveUIRequest(c.key, resp) {
				slog.Debug("gateway: UI response for unknown request", "connID", c.id, "requestId", resp.ID)
			}
		default:
			slog.Warn("gateway: unknown frame type dropped", "connID", c.id, "frameType", frame.Type)
		}
	}
}

// disconnect detaches the connection. When it was the session's last, all
// pending extension-UI requests reject immediately; the engine itself
// stays warm for the next attach.
func (g *Gateway) disconnect(c *Conn) {
	c.close()
	g.untrack(c)
	remaining := g.reg.RemoveConnection(c)
	slog.Info("gateway: connection detached", "connID", c.id, "sessionKey", c.key, "remaining", remaining)
	if remaining == 0 {
		g.orc.RejectPendingUIRequests(c.key, "disconnected")
	}
}
