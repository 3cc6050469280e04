// Package tool provides the outbound adapter for the downstream tool
// server: a subprocess speaking newline-framed JSON-RPC on its pipes.
package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/chimera-gate/chimeragate/internal/port/outbound"
)

// gracePeriod is how long Close waits after SIGTERM before SIGKILL.
const gracePeriod = 5 * time.Second

// Subprocess runs the downstream tool server as a child process with
// redirected stdin/stdout. Stderr passes through so the server can log.
type Subprocess struct {
	command []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	done    chan struct{}
	waitErr error
}

// NewSubprocess creates a subprocess adapter for the given argv.
func NewSubprocess(command []string) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, errors.New("downstream command is empty")
	}
	return &Subprocess{command: command}, nil
}

// Start launches the child process and returns its pipes. A reaper
// goroutine collects the exit status so Wait and Close never race on the
// underlying process.
func (s *Subprocess) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil, nil, errors.New("subprocess already started")
	}

	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("start downstream: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.done = make(chan struct{})
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	return stdin, stdout, nil
}

// Wait blocks until the child process exits.
func (s *Subprocess) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return errors.New("subprocess not started")
	}
	<-done
	return s.waitErr
}

// Close shuts the child down gracefully: close stdin to signal EOF, send
// SIGTERM, wait up to the grace period for a voluntary exit, then SIGKILL.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	done := s.done
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}

	select {
	case <-done:
		// Already exited.
	default:
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		select {
		case <-done:
		case <-time.After(gracePeriod):
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill: %w", err))
			}
			<-done
		}
	}

	return errors.Join(errs...)
}

var _ outbound.ToolServer = (*Subprocess)(nil)
