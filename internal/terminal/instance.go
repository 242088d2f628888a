package terminal

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	defaultRows = 24
	defaultCols = 80

	minDim  = 2
	maxRows = 300
	maxCols = 500
)

// ErrDisposed is returned when attaching to or driving a terminal whose
// instance has already been torn down.
var ErrDisposed = errors.New("terminal instance disposed")

// Sink receives a terminal's output stream. Implemented by the websocket
// layer; the instance never blocks on a sink error, it detaches instead.
type Sink interface {
	// Output delivers raw shell bytes.
	Output(data []byte) error
	// Exit announces shell process exit before the sink is closed.
	Exit(code int) error
	// CloseNormal closes the sink with a normal close status.
	CloseNormal(reason string)
}

// InstanceConfig holds parameters for spawning one shell.
type InstanceConfig struct {
	Shell         string
	WorkDir       string
	Env           []string
	Rows          int
	Cols          int
	MaxScrollback int
	// OnDispose runs exactly once when the instance is torn down, from
	// any path that reaches disposal.
	OnDispose func()
}

// Instance is one shell process shared by any number of attached sockets.
// Every sink sees the same output and every sink may write input; the
// shell, not this layer, arbitrates.
type Instance struct {
	key     string
	shell   string
	workDir string
	cmd     *exec.Cmd
	ptmx    *os.File

	mu         sync.Mutex
	scrollback *Scrollback
	sinks      map[int]Sink
	nextSink   int
	disposed   bool
	lastActive time.Time
	onDispose  func()
}

// newInstance spawns a login shell on a pty rooted at cfg.WorkDir and
// starts pumping its output.
func newInstance(key string, cfg InstanceConfig) (*Instance, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = defaultRows
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = defaultCols
	}

	cmd := exec.Command(shell, "-l")
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		key:        key,
		shell:      shell,
		workDir:    cmd.Dir,
		cmd:        cmd,
		ptmx:       ptmx,
		scrollback: NewScrollback(cfg.MaxScrollback),
		sinks:      make(map[int]Sink),
		lastActive: time.Now(),
		onDispose:  cfg.OnDispose,
	}
	go inst.readLoop()
	return inst, nil
}

// Key identifies this instance within its manager.
func (i *Instance) Key() string { return i.key }

// Shell is the spawned shell binary.
func (i *Instance) Shell() string { return i.shell }

// WorkDir is the directory the shell was rooted at.
func (i *Instance) WorkDir() string { return i.workDir }

// PID is the shell's process id.
func (i *Instance) PID() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

// readLoop pumps shell output into the scrollback and all attached sinks
// until the pty closes, then runs the exit path.
func (i *Instance) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := i.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)

			i.mu.Lock()
			i.scrollback.Append(chunk)
			i.lastActive = time.Now()
			sinks := i.sinkSnapshotLocked()
			i.mu.Unlock()

			for id, s := range sinks {
				if werr := s.Output(chunk); werr != nil {
					i.Detach(id)
				}
			}
		}
		if err != nil {
			i.handleExit()
			return
		}
	}
}

// handleExit broadcasts the shell's exit code and disposes the instance.
func (i *Instance) handleExit() {
	code := 0
	if err := i.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	i.mu.Lock()
	alreadyDisposed := i.disposed
	sinks := i.sinkSnapshotLocked()
	i.mu.Unlock()

	if !alreadyDisposed {
		slog.Info("terminal: shell exited", "key", i.key, "code", code)
		for _, s := range sinks {
			_ = s.Exit(code)
		}
	}
	i.Dispose("terminal exited")
}

// Attach replays the current scrollback into the sink in original order,
// then switches it to live output. The replay and the registration happen
// under the instance lock, so no concurrent chunk is dropped or
// duplicated across the handoff. Returns a detach id.
func (i *Instance) Attach(s Sink) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return 0, ErrDisposed
	}
	for _, chunk := range i.scrollback.Chunks() {
		if err := s.Output(chunk); err != nil {
			return 0, err
		}
	}
	id := i.nextSink
	i.nextSink++
	i.sinks[id] = s
	return id, nil
}

// Detach removes a sink without closing it. Safe on unknown ids.
func (i *Instance) Detach(id int) {
	i.mu.Lock()
	delete(i.sinks, id)
	i.mu.Unlock()
}

// Input forwards raw keystrokes to the shell.
func (i *Instance) Input(data []byte) error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return ErrDisposed
	}
	i.lastActive = time.Now()
	i.mu.Unlock()
	_, err := i.ptmx.Write(data)
	return err
}

// Resize applies a window size change, clamped to sane bounds.
func (i *Instance) Resize(cols, rows int) error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return ErrDisposed
	}
	i.lastActive = time.Now()
	i.mu.Unlock()

	cols = clamp(cols, minDim, maxCols)
	rows = clamp(rows, minDim, maxRows)
	return pty.Setsize(i.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Dispose is the single teardown choke point: kill the shell, close every
// attached sink with a normal status, and notify the manager. Idempotent;
// reachable from client close, process exit, and idle cleanup.
func (i *Instance) Dispose(reason string) {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	sinks := i.sinkSnapshotLocked()
	i.sinks = make(map[int]Sink)
	i.mu.Unlock()

	i.ptmx.Close()
	if i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
	}

	for _, s := range sinks {
		s.CloseNormal(reason)
	}
	if i.onDispose != nil {
		i.onDispose()
	}
	slog.Info("terminal: instance disposed", "key", i.key, "reason", reason)
}

// Disposed reports whether teardown has run.
func (i *Instance) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

// IdleTime is how long since the last input or output.
func (i *Instance) IdleTime() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastActive)
}

// SinkCount reports attached sinks.
func (i *Instance) SinkCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sinks)
}

// ScrollbackSize is the buffered output byte total.
func (i *Instance) ScrollbackSize() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.scrollback.Size()
}

func (i *Instance) sinkSnapshotLocked() map[int]Sink {
	out := make(map[int]Sink, len(i.sinks))
	for id, s := range i.sinks {
		out[id] = s
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
