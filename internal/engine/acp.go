package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

const (
	defaultInitTimeout = 30 * time.Second
	maxFileOpBytes     = 1 << 20
)

// ACPConfig configures the ACP subprocess engine.
type ACPConfig struct {
	// Command is the ACP adapter binary to spawn per session.
	Command string
	// Args are extra CLI arguments.
	Args []string
	// Env are extra environment variables for the subprocess.
	Env []string
	// InitTimeout bounds the ACP Initialize/NewSession handshake.
	InitTimeout time.Duration
	// Models is the list reported by AvailableModels. The protocol has no
	// model-listing call, so the deployment configures the choices.
	Models []ModelInfo
	// DefaultModel is the initial model, applied at session start if set.
	DefaultModel string
}

// NewACPFactory returns a Factory that spawns one ACP agent subprocess per
// session, rooted at the project path.
func NewACPFactory(cfg ACPConfig) Factory {
	return func(ctx context.Context, opts Options) (Engine, error) {
		return newACPEngine(ctx, cfg, opts)
	}
}

// acpEngine drives an ACP-speaking agent subprocess. Events are fanned out
// to subscribers; permission requests are routed through the extension-UI
// callback supplied at construction.
type acpEngine struct {
	cfg  ACPConfig
	opts Options
	bc   *broadcaster

	mu            sync.Mutex
	process       *agentProcess
	conn          *acpsdk.ClientSideConnection
	sessionID     acpsdk.SessionId
	model         string
	thinkingLevel string
	messages      []json.RawMessage
	disposed      bool

	// promptCancel is guarded separately so Abort never waits behind an
	// in-flight SendUserMessage holding mu.
	promptCancelMu sync.Mutex
	promptCancel   context.CancelFunc

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	sessionFile string
}

func newACPEngine(ctx context.Context, cfg ACPConfig, opts Options) (*acpEngine, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("engine command not configured")
	}

	process, err := startProcess(processConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     opts.ProjectPath,
		Env:     cfg.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	e := &acpEngine{
		cfg:         cfg,
		opts:        opts,
		bc:          newBroadcaster(),
		process:     process,
		model:       cfg.DefaultModel,
		sessionFile: filepath.Join(opts.SessionDir, opts.SessionID+".jsonl"),
	}
	e.conn = acpsdk.NewClientSideConnection(&acpClient{engine: e}, process.Stdin(), process.Stdout())

	go e.monitorStderr(process)
	go e.monitorExit(process)

	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if _, err := e.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}); err != nil {
		process.Stop()
		return nil, fmt.Errorf("engine initialize: %w", err)
	}

	sessResp, err := e.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        opts.ProjectPath,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		process.Stop()
		return nil, fmt.Errorf("engine new session: %w", err)
	}
	e.mu.Lock()
	e.sessionID = sessResp.SessionId
	e.mu.Unlock()

	if cfg.DefaultModel != "" {
		if _, err := e.conn.SetSessionModel(initCtx, acpsdk.SetSessionModelRequest{
			SessionId: sessResp.SessionId,
			ModelId:   acpsdk.ModelId(cfg.DefaultModel),
		}); err != nil {
			slog.Warn("engine: set default model failed", "model", cfg.DefaultModel, "error", err)
		}
	}

	if opts.SessionDir != "" {
		if err := os.MkdirAll(opts.SessionDir, 0o755); err != nil {
			slog.Warn("engine: create session dir failed", "dir", opts.SessionDir, "error", err)
		}
	}

	return e, nil
}

func (e *acpEngine) Subscribe(fn func(Event)) func() {
	return e.bc.subscribe(fn)
}

func (e *acpEngine) SendUserMessage(ctx context.Context, parts []ContentPart) error {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	disposed := e.disposed
	e.mu.Unlock()

	if disposed || conn == nil || sessionID == acpsdk.SessionId("") {
		return fmt.Errorf("engine has no active session")
	}

	var blocks []acpsdk.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				blocks = append(blocks, acpsdk.TextBlock(p.Text))
			}
		case "image":
			// The adapter binary only accepts text blocks; attachments
			// are surfaced to the agent as a reference line.
			blocks = append(blocks, acpsdk.TextBlock(fmt.Sprintf("[attached image: %s]", p.MimeType)))
		}
	}
	if len(blocks) == 0 {
		return fmt.Errorf("empty prompt")
	}

	// The agent does not echo user input back as session/update during a
	// live prompt, so emit synthetic user-message events to keep
	// transcripts and late-joining clients complete.
	for _, block := range blocks {
		notif := acpsdk.SessionNotification{
			SessionId: sessionID,
			Update:    acpsdk.UpdateUserMessage(block),
		}
		if data, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params":  notif,
		}); err == nil {
			e.recordAndEmit("session/update", data)
		}
	}

	promptCtx, cancel := context.WithCancel(ctx)
	e.promptCancelMu.Lock()
	e.promptCancel = cancel
	e.promptCancelMu.Unlock()
	defer func() {
		e.promptCancelMu.Lock()
		e.promptCancel = nil
		e.promptCancelMu.Unlock()
		cancel()
	}()

	resp, err := conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    blocks,
	})
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}

	if data, mErr := json.Marshal(map[string]interface{}{
		"type":       "agent_end",
		"stopReason": string(resp.StopReason),
	}); mErr == nil {
		e.recordAndEmit("agent_end", data)
	}
	return nil
}

func (e *acpEngine) Abort(_ context.Context) error {
	e.promptCancelMu.Lock()
	cancel := e.promptCancel
	e.promptCancelMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return nil
}

func (e *acpEngine) SetModel(ctx context.Context, model string) error {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	e.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("engine has no active session")
	}
	if _, err := conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
		SessionId: sessionID,
		ModelId:   acpsdk.ModelId(model),
	}); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
	return nil
}

func (e *acpEngine) SetThinkingLevel(ctx context.Context, level string) error {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	e.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("engine has no active session")
	}
	// Thinking levels ride on ACP session modes.
	if _, err := conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acpsdk.SessionModeId(level),
	}); err != nil {
		return fmt.Errorf("set thinking level: %w", err)
	}
	e.mu.Lock()
	e.thinkingLevel = level
	e.mu.Unlock()
	return nil
}

func (e *acpEngine) NewSession(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	projectPath := e.opts.ProjectPath
	e.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("engine has no active session")
	}
	resp, err := conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        projectPath,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}

	e.mu.Lock()
	e.sessionID = resp.SessionId
	e.messages = nil
	e.mu.Unlock()

	if data, mErr := json.Marshal(map[string]string{
		"type":      "session_reset",
		"sessionId": string(resp.SessionId),
	}); mErr == nil {
		e.bc.emit(Event{Type: "session_reset", Payload: data})
	}
	return nil
}

func (e *acpEngine) AvailableModels(_ context.Context) ([]ModelInfo, error) {
	out := make([]ModelInfo, len(e.cfg.Models))
	copy(out, e.cfg.Models)
	return out, nil
}

func (e *acpEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := make([]json.RawMessage, len(e.messages))
	copy(msgs, e.messages)
	return State{
		SessionID:     string(e.sessionID),
		SessionFile:   e.sessionFile,
		Model:         e.model,
		ThinkingLevel: e.thinkingLevel,
		Messages:      msgs,
	}
}

func (e *acpEngine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	process := e.process
	e.process = nil
	e.conn = nil
	e.mu.Unlock()

	if process != nil {
		return process.Stop()
	}
	return nil
}

// recordAndEmit appends the event to the in-memory message list and the
// on-disk transcript, then fans it out to subscribers.
func (e *acpEngine) recordAndEmit(eventType string, data []byte) {
	e.mu.Lock()
	e.messages = append(e.messages, json.RawMessage(data))
	e.mu.Unlock()

	e.appendTranscript(data)
	e.bc.emit(Event{Type: eventType, Payload: data})
}

// appendTranscript writes one JSONL line to the session file. Best effort:
// transcript gaps are tolerable, broken prompts are not.
func (e *acpEngine) appendTranscript(line []byte) {
	if e.sessionFile == "" {
		return
	}
	f, err := os.OpenFile(e.sessionFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("engine: transcript append failed", "file", e.sessionFile, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("engine: transcript write failed", "file", e.sessionFile, "error", err)
	}
}

func (e *acpEngine) monitorStderr(process *agentProcess) {
	scanner := bufio.NewScanner(process.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		slog.Warn("engine stderr", "line", line)
		e.stderrMu.Lock()
		if e.stderrBuf.Len() < 4096 {
			if e.stderrBuf.Len() > 0 {
				e.stderrBuf.WriteByte('\n')
			}
			e.stderrBuf.WriteString(line)
		}
		e.stderrMu.Unlock()
	}
}

func (e *acpEngine) monitorExit(process *agentProcess) {
	err := process.Wait()

	e.mu.Lock()
	disposed := e.disposed
	if e.process == process {
		e.process = nil
		e.conn = nil
	}
	e.mu.Unlock()

	if disposed {
		return
	}

	e.stderrMu.Lock()
	stderr := e.stderrBuf.String()
	e.stderrMu.Unlock()

	uptime := time.Since(process.startTime)
	slog.Error("engine process exited unexpectedly", "uptime", uptime.Round(time.Millisecond), "error", err, "stderrBytes", len(stderr))

	msg := "agent process exited"
	if err != nil {
		msg = fmt.Sprintf("agent process exited: %v", err)
	}
	if data, mErr := json.Marshal(map[string]string{
		"type":    "engine_exit",
		"message": msg,
	}); mErr == nil {
		e.bc.emit(Event{Type: "engine_exit", Payload: data})
	}
}

// --- acpClient: the SDK client callbacks ---

// acpClient implements the acp-go-sdk client interface. Session updates
// become engine events; permission requests block on the extension-UI
// callback; file operations act on the local filesystem.
type acpClient struct {
	engine *acpEngine
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	c.engine.recordAndEmit("session/update", data)
	return nil
}

func (c *acpClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	handler := c.engine.opts.OnUIRequest
	if handler == nil {
		// No one to ask: refuse rather than guess.
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return acpsdk.RequestPermissionResponse{}, fmt.Errorf("marshal permission request: %w", err)
	}

	resp, err := handler(ctx, UIRequest{Method: "permission/request", Params: raw})
	if err != nil || resp.Cancelled {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}

	// A selected option is sent back as its id; a bare confirmation picks
	// the first offered option.
	var selected string
	if len(resp.Value) > 0 {
		_ = json.Unmarshal(resp.Value, &selected)
	}
	for _, opt := range params.Options {
		if string(opt.OptionId) == selected {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(opt.OptionId),
			}, nil
		}
	}
	if resp.Confirmed != nil && *resp.Confirmed && len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	raw, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read file %q: %w", params.Path, err)
	}
	if len(raw) > maxFileOpBytes {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, maxFileOpBytes)
	}

	content := applyLineLimit(string(raw), params.Line, params.Limit)
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}
	if len(params.Content) > maxFileOpBytes {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", maxFileOpBytes)
	}

	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// applyLineLimit returns the requested 1-based line window of content.
// A nil line starts at the beginning; a nil or zero limit means all lines.
func applyLineLimit(content string, line, limit *int) string {
	if content == "" {
		return ""
	}
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	lines := strings.Split(content, "\n")
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
