// Package store provides SQLite-backed persistence for project and
// session metadata, so the registry can be rehydrated across restarts.
// Transcript contents stay on disk as JSONL; only identity and lifecycle
// metadata live here.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentconsole/agentconsole/internal/registry"
)

// Store persists registry metadata in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the projects table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_path ON projects(path);
	`)
	return err
}

// migrateV2 creates the sessions table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	`)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertProject inserts or replaces a project row.
func (s *Store) UpsertProject(p registry.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO projects (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id. Returns nil, nil when absent.
func (s *Store) GetProject(id string) (*registry.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, name, path, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByPath retrieves a project by its filesystem path. Returns
// nil, nil when absent.
func (s *Store) GetProjectByPath(path string) (*registry.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, name, path, created_at, updated_at FROM projects WHERE path = ?`, path)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*registry.Project, error) {
	var p registry.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Path, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects() ([]registry.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, path, created_at, updated_at FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []registry.Project{}
	for rows.Next() {
		var p registry.Project
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a project and all its session rows.
func (s *Store) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM sessions WHERE project_id = ?", id); err != nil {
		return fmt.Errorf("delete project sessions: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// UpsertSession inserts or replaces a session row.
func (s *Store) UpsertSession(sess registry.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := sess.Status
	if status == "" {
		status = registry.StatusIdle
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (key, project_id, name, status, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.Key, sess.ProjectID, sess.Name, string(status), formatTime(sess.CreatedAt), formatTime(sess.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by key. Returns nil, nil when absent.
func (s *Store) GetSession(key string) (*registry.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess registry.Session
	var status, createdAt, lastActivityAt string
	err := s.db.QueryRow(
		`SELECT key, project_id, name, status, created_at, last_activity_at FROM sessions WHERE key = ?`, key,
	).Scan(&sess.Key, &sess.ProjectID, &sess.Name, &status, &createdAt, &lastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Status = registry.Status(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	return &sess, nil
}

// ListSessions returns all sessions for a project, most recent activity
// first. An empty projectID lists every session.
func (s *Store) ListSessions(projectID string) ([]registry.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT key, project_id, name, status, created_at, last_activity_at FROM sessions ORDER BY last_activity_at DESC`
	args := []interface{}{}
	if projectID != "" {
		query = `SELECT key, project_id, name, status, created_at, last_activity_at FROM sessions WHERE project_id = ? ORDER BY last_activity_at DESC`
		args = append(args, projectID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []registry.Session{}
	for rows.Next() {
		var sess registry.Session
		var status, createdAt, lastActivityAt string
		if err := rows.Scan(&sess.Key, &sess.ProjectID, &sess.Name, &status, &createdAt, &lastActivityAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = registry.Status(status)
		sess.CreatedAt = parseTime(createdAt)
		sess.LastActivityAt = parseTime(lastActivityAt)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// TouchSession updates a session's last-activity time.
func (s *Store) TouchSession(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET last_activity_at = ? WHERE key = ?", formatTime(at), key)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Hydrate loads every persisted project and session into the registry.
// Called once at startup, before any connection is accepted.
func (s *Store) Hydrate(reg *registry.Registry) error {
	projects, err := s.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		reg.PutProject(p)
	}

	sessions, err := s.ListSessions("")
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		// Live status never survives a restart.
		sess.Status = registry.StatusIdle
		reg.PutSession(sess)
	}
	slog.Info("store: registry hydrated", "projects", len(projects), "sessions", len(sessions))
	return nil
}
