// Package registry is the shared state store for the orchestration layer:
// projects, sessions, live process handles, connection sets, and per-session
// execution locks, all keyed by session key or project id. It holds data
// only — it never talks to sockets, processes, or disk.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Project owns zero or more sessions. Its id is a stable hash of its path.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is the durable identity a browser connects to. Key is the
// reversible path-derived session key.
type Session struct {
	Key            string    `json:"key"`
	ProjectID      string    `json:"projectId"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Connection is the registry's view of an attached socket. Implemented by
// the gateway; the registry never sends on it itself.
type Connection interface {
	// ID uniquely identifies the connection.
	ID() string
	// SessionKey is the session this connection belongs to.
	SessionKey() string
	// Send enqueues an outbound frame. It must never block; it reports
	// whether the frame was accepted (sent or queued).
	Send(data []byte) bool
	// Close completes the close handshake and shuts the socket down.
	// Idempotent.
	Close()
}

// Handle is the registry's view of a live process handle. Implemented by
// the orchestrator.
type Handle interface {
	// SessionKey is the session this handle serves.
	SessionKey() string
	// Kill tears the handle down. Idempotent.
	Kill()
}

// Registry holds all cross-component shared mutable state. Construct one
// per server; there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]Project
	sessions map[string]Session
	handles  map[string]Handle
	conns    map[string]map[string]Connection
	locks    map[string]bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		projects: make(map[string]Project),
		sessions: make(map[string]Session),
		handles:  make(map[string]Handle),
		conns:    make(map[string]map[string]Connection),
		locks:    make(map[string]bool),
	}
}

// --- Projects ---

// PutProject inserts or replaces a project.
func (r *Registry) PutProject(p Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
}

// Project returns the project with the given id.
func (r *Registry) Project(id string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// ProjectByPath returns the project with the given filesystem path.
func (r *Registry) ProjectByPath(path string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Path == path {
			return p, true
		}
	}
	return Project{}, false
}

// Projects returns all projects, most recently updated first.
func (r *Registry) Projects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// DeleteProject removes a project. Its sessions are not touched; callers
// that delete a project delete its sessions first.
func (r *Registry) DeleteProject(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, id)
}

// --- Sessions ---

// PutSession inserts or replaces a session and bubbles the owning
// project's UpdatedAt so recency-sorted listings stay correct.
func (r *Registry) PutSession(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key] = s
	r.touchProjectLocked(s.ProjectID, s.LastActivityAt)
}

// Session returns the session with the given key.
func (r *Registry) Session(key string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Sessions returns all sessions for a project, most recently active first.
func (r *Registry) Sessions(projectID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// AllSessions returns every known session.
func (r *Registry) AllSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SetSessionStatus updates a session's status.
func (r *Registry) SetSessionStatus(key string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return fmt.Errorf("session not found: %s", key)
	}
	s.Status = status
	r.sessions[key] = s
	return nil
}

// TouchSession updates a session's last-activity time and bubbles the
// owning project's UpdatedAt.
func (r *Registry) TouchSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	now := time.Now().UTC()
	s.LastActivityAt = now
	r.sessions[key] = s
	r.touchProjectLocked(s.ProjectID, now)
}

func (r *Registry) touchProjectLocked(projectID string, at time.Time) {
	p, ok := r.projects[projectID]
	if !ok {
		return
	}
	if at.After(p.UpdatedAt) {
		p.UpdatedAt = at
		r.projects[projectID] = p
	}
}

// --- Process handles ---

// SetHandleIfAbsent registers h for its session key unless a handle is
// already present. It returns the handle that is registered after the call
// and whether h was stored. This is the primitive behind idempotent spawn:
// at most one live handle per session key.
func (r *Registry) SetHandleIfAbsent(h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := h.SessionKey()
	if existing, ok := r.handles[key]; ok {
		return existing, false
	}
	r.handles[key] = h
	return h, true
}

// Handle returns the live process handle for a session key, if any.
func (r *Registry) Handle(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

// DeleteHandle removes the handle for key and returns it. Removing an
// absent handle is a no-op.
func (r *Registry) DeleteHandle(key string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	return h, ok
}

// --- Connections ---

// AddConnection attaches a connection to its session's set.
func (r *Registry) AddConnection(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := c.SessionKey()
	set, ok := r.conns[key]
	if !ok {
		set = make(map[string]Connection)
		r.conns[key] = set
	}
	set[c.ID()] = c
}

// RemoveConnection detaches a connection and returns how many connections
// remain for its session.
func (r *Registry) RemoveConnection(c Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := c.SessionKey()
	set, ok := r.conns[key]
	if !ok {
		return 0
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.conns, key)
		return 0
	}
	return len(set)
}

// Connections returns a snapshot of the connections attached to a session.
// Safe to iterate while connections attach and detach concurrently.
func (r *Registry) Connections(key string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[key]
	out := make([]Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of connections attached to a session.
func (r *Registry) ConnectionCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[key])
}

// --- Execution locks ---

// AcquireExecutionLock takes the per-session single-flight prompt lock.
// It returns false if the lock is already held; callers must not queue.
func (r *Registry) AcquireExecutionLock(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[key] {
		return false
	}
	r.locks[key] = true
	return true
}

// ReleaseExecutionLock releases the lock. It reports whether the lock was
// actually held, so double releases are visible to tests and logs.
func (r *Registry) ReleaseExecutionLock(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.locks[key] {
		return false
	}
	delete(r.locks, key)
	return true
}

// ExecutionLockHeld reports whether the prompt lock is currently held.
func (r *Registry) ExecutionLockHeld(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locks[key]
}

// --- Cleanup ---

// CleanupSession atomically removes the session, its process handle, its
// connection set, and its execution lock. The removed handle and
// connections are returned so the caller can tear them down outside the
// registry lock; the registry itself performs no side effects.
func (r *Registry) CleanupSession(key string) (Handle, []Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handles[key]
	delete(r.handles, key)
	delete(r.sessions, key)
	delete(r.locks, key)

	set := r.conns[key]
	delete(r.conns, key)
	conns := make([]Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return h, conns
}
