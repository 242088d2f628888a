// Package terminal multiplexes shell processes across websockets: one
// shell instance per (session key, terminal id), shared output with capped
// scrollback, shared input, and a single idempotent disposal path that
// outlives any individual socket.
package terminal

import (
	"strings"
	"sync"
	"time"
)

// DefaultTerminalID is used when the client supplies no usable id.
const DefaultTerminalID = "default"

const maxTerminalIDLen = 64

// ManagerConfig holds manager-wide defaults for spawned shells.
type ManagerConfig struct {
	Shell         string
	DefaultRows   int
	DefaultCols   int
	MaxScrollback int
}

// Manager owns all live terminal instances, keyed by session key and
// terminal id.
type Manager struct {
	cfg ManagerConfig

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates an empty terminal manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:       cfg,
		instances: make(map[string]*Instance),
	}
}

// SanitizeID restricts a client-supplied terminal id to [A-Za-z0-9_-],
// caps its length, and falls back to DefaultTerminalID when nothing
// usable remains.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= maxTerminalIDLen {
			break
		}
	}
	if b.Len() == 0 {
		return DefaultTerminalID
	}
	return b.String()
}

func instanceKey(sessionKey, terminalID string) string {
	return sessionKey + "::" + terminalID
}

// GetOrCreate returns the live instance for (sessionKey, terminalId),
// spawning a shell rooted at cwd when none exists. A disposed instance
// does not count as existing.
func (m *Manager) GetOrCreate(sessionKey, terminalID, cwd string) (*Instance, error) {
	terminalID = SanitizeID(terminalID)
	key := instanceKey(sessionKey, terminalID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[key]; ok && !inst.Disposed() {
		return inst, nil
	}

	inst, err := newInstance(key, InstanceConfig{
		Shell:         m.cfg.Shell,
		WorkDir:       cwd,
		Rows:          m.cfg.DefaultRows,
		Cols:          m.cfg.DefaultCols,
		MaxScrollback: m.cfg.MaxScrollback,
		OnDispose: func() {
			m.remove(key)
		},
	})
	if err != nil {
		return nil, err
	}
	m.instances[key] = inst
	return inst, nil
}

// Get returns the live instance for the key, if any.
func (m *Manager) Get(sessionKey, terminalID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceKey(sessionKey, SanitizeID(terminalID))]
	if !ok || inst.Disposed() {
		return nil, false
	}
	return inst, true
}

// Dispose tears down one instance. No-op when absent.
func (m *Manager) Dispose(sessionKey, terminalID, reason string) {
	m.mu.Lock()
	inst, ok := m.instances[instanceKey(sessionKey, SanitizeID(terminalID))]
	m.mu.Unlock()
	if ok {
		inst.Dispose(reason)
	}
}

// DisposeAll tears down every instance, for server shutdown.
func (m *Manager) DisposeAll(reason string) {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		inst.Dispose(reason)
	}
}

// CleanupIdle disposes instances idle longer than maxIdle and reports how
// many were removed.
func (m *Manager) CleanupIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	var idle []*Instance
	for _, inst := range m.instances {
		if inst.IdleTime() > maxIdle {
			idle = append(idle, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range idle {
		inst.Dispose("terminal idle")
	}
	return len(idle)
}

// Count reports live instances.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.instances, key)
	m.mu.Unlock()
}
