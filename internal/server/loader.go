package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/agentconsole/agentconsole/internal/pathkey"
	"github.com/agentconsole/agentconsole/internal/registry"
	"github.com/agentconsole/agentconsole/internal/transcript"
)

// sessionLoader scans the on-disk transcript tree and folds discovered
// projects and sessions into the registry and store. It backs both the
// gateway's lazy-load fallback and the filesystem watcher.
type sessionLoader struct {
	srv *Server
	mu  sync.Mutex
}

// Reload implements gateway.SessionLoader. Already-known sessions are
// left untouched; only newly discovered ones are added.
func (l *sessionLoader) Reload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	found, err := transcript.Scan(l.srv.config.TranscriptDir)
	if err != nil {
		return err
	}

	added := 0
	for projectPath, sessions := range found {
		project, ok := l.srv.reg.ProjectByPath(projectPath)
		if !ok {
			project = registry.Project{
				ID:   pathkey.ProjectID(projectPath),
				Name: filepath.Base(projectPath),
				Path: projectPath,
			}
			l.srv.reg.PutProject(project)
			if err := l.srv.store.UpsertProject(project); err != nil {
				slog.Warn("loader: project persist failed", "path", projectPath, "error", err)
			}
		}

		for _, info := range sessions {
			key := pathkey.SessionKey(projectPath, info.SessionID)
			if _, exists := l.srv.reg.Session(key); exists {
				continue
			}
			sess := registry.Session{
				Key:            key,
				ProjectID:      project.ID,
				Name:           info.SessionID,
				Status:         registry.StatusIdle,
				CreatedAt:      info.ModTime,
				LastActivityAt: info.ModTime,
			}
			l.srv.reg.PutSession(sess)
			if err := l.srv.store.UpsertSession(sess); err != nil {
				slog.Warn("loader: session persist failed", "key", key, "error", err)
			}
			added++
		}
	}
	if added > 0 {
		slog.Info("loader: discovered sessions from disk", "count", added)
	}
	return nil
}
