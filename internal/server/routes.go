package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentconsole/agentconsole/internal/pathkey"
	"github.com/agentconsole/agentconsole/internal/registry"
	"github.com/agentconsole/agentconsole/internal/transcript"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"projects":  len(s.reg.Projects()),
		"sessions":  len(s.reg.AllSessions()),
		"terminals": s.terminals.Count(),
	})
}

// handleListProjects returns all projects, most recently active first.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Projects())
}

// handleCreateProject registers a project for a filesystem path. Posting
// an already-registered path returns the existing project.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	path, err := pathkey.Resolve(body.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is not a directory")
		return
	}

	if existing, ok := s.reg.ProjectByPath(path); ok {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = filepath.Base(path)
	}
	now := time.Now()
	project := registry.Project{
		ID:        pathkey.ProjectID(path),
		Name:      name,
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.reg.PutProject(project)
	if err := s.store.UpsertProject(project); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// handleDeleteProject removes a project and tears down every one of its
// sessions, processes included.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	if _, ok := s.reg.Project(projectID); !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	for _, sess := range s.reg.Sessions(projectID) {
		s.teardownSession(sess.Key)
	}
	s.reg.DeleteProject(projectID)
	if err := s.store.DeleteProject(projectID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListSessions returns a project's sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	if _, ok := s.reg.Project(projectID); !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Sessions(projectID))
}

// handleCreateSession creates a new session under a project. The backing
// process is spawned lazily on first websocket attach.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	project, ok := s.reg.Project(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		// An empty body is fine; the name is optional.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	sessionID := uuid.NewString()
	key := pathkey.SessionKey(project.Path, sessionID)
	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = sessionID
	}

	sessionDir := filepath.Join(s.config.TranscriptDir, pathkey.Encode(project.Path))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session directory")
		return
	}

	now := time.Now()
	sess := registry.Session{
		Key:            key,
		ProjectID:      project.ID,
		Name:           name,
		Status:         registry.StatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.reg.PutSession(sess)
	s.reg.TouchSession(key)
	if err := s.store.UpsertSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleDeleteSession tears down a session completely: process, sockets,
// registry, store, and transcript file.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.reg.Session(key); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.teardownSession(key)
	if err := s.store.DeleteSession(key); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	if dirName, sessionID, ok := pathkey.SplitKey(key); ok {
		path := filepath.Join(s.config.TranscriptDir, dirName, sessionID+".jsonl")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			writeError(w, http.StatusInternalServerError, "failed to remove transcript")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// teardownSession kills the session's process and closes its viewer
// sockets after telling them why. The registry stops tracking the
// session; persistent state is the caller's concern.
func (s *Server) teardownSession(key string) {
	handle, conns := s.reg.CleanupSession(key)
	if handle != nil {
		handle.Kill()
	}
	if len(conns) == 0 {
		return
	}
	frame, _ := json.Marshal(map[string]string{"type": "disconnected", "message": "session deleted"})
	for _, c := range conns {
		c.Send(frame)
		c.Close()
	}
}

// handleGetTranscript returns the stored entries for a session.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	dirName, sessionID, ok := pathkey.SplitKey(key)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed session key")
		return
	}

	path := filepath.Join(s.config.TranscriptDir, dirName, sessionID+".jsonl")
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "transcript not found")
		return
	}
	entries, err := transcript.ReadEntries(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionKey": key,
		"entries":    entries,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
