package engine

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/dmmcquay/pikafish-mcp/internal/config"
)

// Process is a running engine with piped stdio.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr may return nil when the process has no stderr pipe.
	Stderr() io.Reader
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	Kill() error
}

// Launcher starts an engine process.
type Launcher func(cfg *config.EngineConfig) (Process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

// ExecLauncher starts cfg.BinaryPath as a child process. The process is not
// tied to any request context; the session decides when it ends.
func ExecLauncher(cfg *config.EngineConfig) (Process, error) {
	cmd := exec.Command(cfg.BinaryPath) // #nosec G204 -- BinaryPath is validated configuration

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.BinaryPath, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader      { return p.stdout }
func (p *execProcess) Stderr() io.Reader      { return p.stderr }
func (p *execProcess) Wait() error            { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
