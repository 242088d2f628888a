// Package server provides the HTTP server: project and session endpoints,
// the session websocket, and the terminal websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentconsole/agentconsole/internal/config"
	"github.com/agentconsole/agentconsole/internal/engine"
	"github.com/agentconsole/agentconsole/internal/gateway"
	"github.com/agentconsole/agentconsole/internal/orchestrator"
	"github.com/agentconsole/agentconsole/internal/registry"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/terminal"
	"github.com/agentconsole/agentconsole/internal/transcript"
)

// Server wires the registry, orchestrator, gateway, terminal manager, and
// store behind one HTTP listener.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	reg       *registry.Registry
	orc       *orchestrator.Orchestrator
	gw        *gateway.Gateway
	store     *store.Store
	terminals *terminal.Manager
	loader    *sessionLoader

	bgCancel context.CancelFunc
	done     chan struct{}
}

// New creates a server instance. The factory argument lets tests inject a
// fake engine; pass nil to use the configured ACP engine command.
func New(cfg *config.Config, factory engine.Factory) (*Server, error) {
	if err := os.MkdirAll(cfg.TranscriptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	if err := st.Hydrate(reg); err != nil {
		st.Close()
		return nil, fmt.Errorf("hydrate registry: %w", err)
	}

	if factory == nil {
		factory = engine.NewACPFactory(engine.ACPConfig{
			Command:     cfg.EngineCommand,
			Args:        cfg.EngineArgs,
			InitTimeout: cfg.EngineInitTimeout,
		})
	}

	orc := orchestrator.New(orchestrator.Config{
		Registry:         reg,
		Factory:          factory,
		Activity:         st,
		UIRequestTimeout: cfg.UIRequestTimeout,
	})

	s := &Server{
		config: cfg,
		reg:    reg,
		orc:    orc,
		store:  st,
		terminals: terminal.NewManager(terminal.ManagerConfig{
			Shell:         cfg.DefaultShell,
			DefaultRows:   cfg.DefaultRows,
			DefaultCols:   cfg.DefaultCols,
			MaxScrollback: cfg.MaxScrollback,
		}),
		done: make(chan struct{}),
	}
	s.loader = &sessionLoader{srv: s}

	s.gw = gateway.New(gateway.Config{
		Registry:          reg,
		Orchestrator:      orc,
		Loader:            s.loader,
		TranscriptRoot:    cfg.TranscriptDir,
		Upgrader:          s.newUpgrader(),
		QueueSize:         cfg.ConnQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at 0 because WebSocket connections
	// are long-lived. Go's http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn BEFORE the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("DELETE /api/projects/{projectId}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/projects/{projectId}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/projects/{projectId}/sessions", s.handleCreateSession)

	mux.HandleFunc("DELETE /api/sessions/{key...}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/transcripts/{key...}", s.handleGetTranscript)

	mux.HandleFunc("GET /ws/session/{key...}", s.gw.HandleSessionWS)
	mux.HandleFunc("GET /ws/terminal/{key...}", s.handleTerminalWS)
}

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// Start runs the background loops and the HTTP listener. Blocks until the
// listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	go s.gw.Start(ctx)

	watcher := transcript.NewWatcher(s.config.TranscriptDir, func() {
		if err := s.loader.Reload(context.Background()); err != nil {
			slog.Warn("transcript reload failed", "error", err)
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("transcript watcher stopped", "error", err)
		}
	}()

	if s.config.TerminalIdleTimeout > 0 {
		go s.runTerminalReaper(ctx)
	}

	slog.Info("Starting server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// runTerminalReaper periodically disposes idle terminal instances.
func (s *Server) runTerminalReaper(ctx context.Context) {
	interval := s.config.TerminalIdleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.terminals.CleanupIdle(s.config.TerminalIdleTimeout); n > 0 {
				slog.Info("terminal reaper disposed idle instances", "count", n)
			}
		}
	}
}

// Stop gracefully shuts the server down: engines, terminals, store, then
// the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	close(s.done)

	for _, sess := range s.reg.AllSessions() {
		// Connections are torn down by the listener shutdown below; the
		// handles own subprocesses and need an explicit kill.
		handle, _ := s.reg.CleanupSession(sess.Key)
		if handle != nil {
			handle.Kill()
		}
	}
	s.terminals.DisposeAll("server shutdown")

	if err := s.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
