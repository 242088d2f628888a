package transcript

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentconsole/agentconsole/internal/pathkey"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanGroupsByProject(t *testing.T) {
	root := t.TempDir()
	dirA := pathkey.Encode("/home/u/app")
	dirB := pathkey.Encode("/home/u/web")
	writeFile(t, filepath.Join(root, dirA, "sess-1.jsonl"), `{"type":"user"}`+"\n")
	writeFile(t, filepath.Join(root, dirA, "sess-2.jsonl"), `{"type":"user"}`+"\n")
	writeFile(t, filepath.Join(root, dirB, "sess-3.jsonl"), `{"type":"user"}`+"\n")
	// Noise that must be ignored.
	writeFile(t, filepath.Join(root, dirA, "notes.txt"), "not a transcript")
	writeFile(t, filepath.Join(root, "plain-dir", "sess-9.jsonl"), "{}")

	found, err := Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("project count = %d, want 2", len(found))
	}
	appSessions := found["/home/u/app"]
	if len(appSessions) != 2 {
		t.Fatalf("app sessions = %d, want 2", len(appSessions))
	}
	ids := map[string]bool{}
	for _, s := range appSessions {
		ids[s.SessionID] = true
		if s.DirName != dirA {
			t.Fatalf("dir name = %q, want %q", s.DirName, dirA)
		}
	}
	if !ids["sess-1"] || !ids["sess-2"] {
		t.Fatalf("session ids = %v", ids)
	}
	if len(found["/home/u/web"]) != 1 {
		t.Fatalf("web sessions = %d, want 1", len(found["/home/u/web"]))
	}
}

func TestScanMissingRoot(t *testing.T) {
	found, err := Scan(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("scan of absent root must not fail: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("found %d projects in an absent root", len(found))
	}
}

func TestReadEntriesSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	writeFile(t, path, `{"type":"user","text":"hi"}
not json at all
{"type":"assistant","text":"hello"}

{"type":"agent_end"}
`)

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entry count = %d, want 3 (malformed and blank skipped)", len(entries))
	}
	if string(entries[0]) != `{"type":"user","text":"hi"}` {
		t.Fatalf("first entry = %s", entries[0])
	}
}

func TestReadEntriesMissingFile(t *testing.T) {
	if _, err := ReadEntries(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("expected error for missing transcript")
	}
}

func TestWatcherFiresOnNewTranscript(t *testing.T) {
	root := t.TempDir()
	var fired atomic.Int32
	w := NewWatcher(root, func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watch time to establish before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(root, pathkey.Encode("/home/u/app"), "sess-1.jsonl"), "{}\n")

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
