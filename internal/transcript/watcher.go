package transcript

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces event bursts; a streaming agent appends many
// times per second.
const debounceWindow = 500 * time.Millisecond

// Watcher notifies when the transcript tree changes, so the registry can
// pick up sessions created by other tools while the server runs.
type Watcher struct {
	root     string
	onChange func()
}

// NewWatcher creates a watcher over the transcript root. onChange fires
// debounced, from the watcher goroutine.
func NewWatcher(root string, onChange func()) *Watcher {
	return &Watcher{root: root, onChange: onChange}
}

// Run watches until ctx ends. The root is created when missing so the
// watch can be established before the first session is written.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
					slog.Warn("transcript: watch add failed", "dir", e.Name(), "error", err)
				}
			}
		}
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fw.Add(ev.Name); err != nil {
						slog.Warn("transcript: watch add failed", "dir", ev.Name, "error", err)
					}
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, w.onChange)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("transcript: watch error", "error", err)
		}
	}
}
