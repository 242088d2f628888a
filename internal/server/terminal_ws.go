package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentconsole/agentconsole/internal/terminal"
)

const terminalWriteWait = 10 * time.Second

// wsSink adapts a websocket to terminal.Sink. Everything the server sends
// is a JSON text frame: ready, output, exit, error, pong.
type wsSink struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSink) Output(data []byte) error {
	return s.writeFrame(map[string]interface{}{"type": "output", "data": string(data)})
}

func (s *wsSink) Exit(code int) error {
	// The shell is reaped via Wait; a death by signal surfaces as a
	// negative exit code, not a separate signal name.
	return s.writeFrame(map[string]interface{}{"type": "exit", "exitCode": code, "signal": nil})
}

func (s *wsSink) ready(terminalID string, inst *terminal.Instance) error {
	return s.writeFrame(map[string]interface{}{
		"type":       "ready",
		"terminalId": terminalID,
		"pid":        inst.PID(),
		"shell":      inst.Shell(),
		"cwd":        inst.WorkDir(),
	})
}

func (s *wsSink) pong() error {
	return s.writeFrame(map[string]string{"type": "pong"})
}

func (s *wsSink) sendError(message string) error {
	return s.writeFrame(map[string]string{"type": "error", "message": message})
}

func (s *wsSink) writeFrame(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(terminalWriteWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) CloseNormal(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(terminalWriteWait))
	s.ws.Close()
}

// terminalClientFrame is the inbound terminal protocol.
type terminalClientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleTerminalWS attaches a websocket to the session's shared shell,
// spawning it on first attach. The shell outlives the socket.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.reg.Session(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	project, ok := s.reg.Project(sess.ProjectID)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	terminalID := terminal.SanitizeID(r.URL.Query().Get("terminalId"))

	upgrader := s.newUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("terminal upgrade failed", "error", err)
		return
	}
	sink := &wsSink{ws: ws}

	inst, err := s.terminals.GetOrCreate(key, terminalID, project.Path)
	if err != nil {
		slog.Error("terminal spawn failed", "sessionKey", key, "error", err)
		_ = sink.sendError("failed to start shell")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to start shell")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(terminalWriteWait))
		ws.Close()
		return
	}

	// Ready goes out first so the client can tell the scrollback replay
	// that follows from live output.
	if err := sink.ready(terminalID, inst); err != nil {
		ws.Close()
		return
	}
	sinkID, err := inst.Attach(sink)
	if err != nil {
		_ = sink.sendError("terminal unavailable")
		sink.CloseNormal("terminal unavailable")
		return
	}
	slog.Info("terminal attached", "sessionKey", key, "terminal", inst.Key())

	defer func() {
		inst.Detach(sinkID)
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame terminalClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("terminal: malformed frame dropped", "sessionKey", key, "error", err)
			continue
		}

		switch frame.Type {
		case "input":
			if err := inst.Input([]byte(frame.Data)); err != nil {
				slog.Debug("terminal input failed", "sessionKey", key, "error", err)
				return
			}
		case "resize":
			if err := inst.Resize(frame.Cols, frame.Rows); err != nil {
				slog.Debug("terminal resize failed", "sessionKey", key, "error", err)
			}
		case "close":
			// Explicit disposal: the shell dies and every attached socket
			// gets a normal close.
			inst.Dispose("closed by client")
			return
		case "ping":
			if err := sink.pong(); err != nil {
				return
			}
		default:
			slog.Warn("terminal: unknown frame type dropped", "sessionKey", key, "frameType", frame.Type)
		}
	}
}

var _ terminal.Sink = (*wsSink)(nil)
