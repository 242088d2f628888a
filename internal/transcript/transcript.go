// Package transcript reads the on-disk session store: one JSONL file per
// session, grouped into per-project directories named by the reversible
// path encoding.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentconsole/agentconsole/internal/pathkey"
)

// maxEntryBytes caps a single transcript line. Agent turns with large
// tool output can be big; 10 MiB is well past anything legitimate.
const maxEntryBytes = 10 * 1024 * 1024

// SessionInfo describes one discovered transcript file.
type SessionInfo struct {
	SessionID   string
	DirName     string
	ProjectPath string
	FilePath    string
	ModTime     time.Time
	Size        int64
}

// Scan walks the transcript root and returns discovered sessions grouped
// by decoded project path. Directories that do not carry the path
// encoding sentinels are skipped.
func Scan(root string) (map[string][]SessionInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]SessionInfo{}, nil
		}
		return nil, fmt.Errorf("read transcript root: %w", err)
	}

	out := make(map[string][]SessionInfo)
	for _, dir := range entries {
		if !dir.IsDir() || !pathkey.IsEncoded(dir.Name()) {
			continue
		}
		projectPath := pathkey.Decode(dir.Name())
		sessions, err := scanDir(root, dir.Name(), projectPath)
		if err != nil {
			slog.Warn("transcript: project directory scan failed", "dir", dir.Name(), "error", err)
			continue
		}
		if len(sessions) > 0 {
			out[projectPath] = sessions
		}
	}
	return out, nil
}

func scanDir(root, dirName, projectPath string) ([]SessionInfo, error) {
	full := filepath.Join(root, dirName)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	var sessions []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			SessionID:   strings.TrimSuffix(e.Name(), ".jsonl"),
			DirName:     dirName,
			ProjectPath: projectPath,
			FilePath:    filepath.Join(full, e.Name()),
			ModTime:     info.ModTime(),
			Size:        info.Size(),
		})
	}
	return sessions, nil
}

// ReadEntries parses a transcript file line by line. Malformed lines are
// logged and skipped so one corrupt write cannot hide a whole session.
func ReadEntries(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntryBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if !json.Valid([]byte(raw)) {
			slog.Warn("transcript: malformed entry skipped", "path", path, "line", line)
			continue
		}
		entries = append(entries, json.RawMessage(raw))
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read transcript: %w", err)
	}
	return entries, nil
}
