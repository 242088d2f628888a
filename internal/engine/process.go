package engine

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// agentProcess manages an ACP-compliant agent subprocess rooted at the
// project directory. Communication is NDJSON over stdin/stdout.
type agentProcess struct {
	command   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

type processConfig struct {
	// Command is the agent binary (e.g. "claude-code-acp").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Dir is the working directory for the process.
	Dir string
	// Env are extra environment variables appended to the inherited set.
	Env []string
}

// startProcess spawns the agent subprocess with its stdio piped.
func startProcess(cfg processConfig) (*agentProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	return &agentProcess{
		command:   cfg.Command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *agentProcess) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the reader from the agent's stdout.
func (p *agentProcess) Stdout() io.Reader { return p.stdout }

// Stderr returns the reader from the agent's stderr.
func (p *agentProcess) Stderr() io.Reader { return p.stderr }

// PID returns the process id, or 0 before start.
func (p *agentProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop closes stdin to signal a graceful exit, then kills the process and
// reaps it. Idempotent.
func (p *agentProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// Wait blocks until the process exits.
func (p *agentProcess) Wait() error {
	return p.cmd.Wait()
}
