// Package sandbox runs agent shell commands on the host or in throwaway
// docker containers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
)

// ErrSessionClosed is returned by Exec after Cleanup.
var ErrSessionClosed = errors.New("sandbox session closed")

// Executor runs one shell command.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// Session is an Executor scoped to one agent run. Cleanup releases
// everything the session created and is safe to call more than once.
type Session interface {
	Executor
	Cleanup(ctx context.Context) error
}

// Provider hands out sessions.
type Provider interface {
	NewSession(ctx context.Context, taskID string) (Session, error)
}

// HostExecutor runs commands locally with sh -c.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	if runErr := execCmd.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// HostProvider creates host sessions.
type HostProvider struct {
	WorkDir string
}

// NewSession returns a session running commands in p.WorkDir.
func (p *HostProvider) NewSession(_ context.Context, _ string) (Session, error) {
	return &hostSession{workDir: p.WorkDir}, nil
}

type hostSession struct {
	HostExecutor
	workDir string

	mu     sync.Mutex
	closed bool
}

func (s *hostSession) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", "", -1, ErrSessionClosed
	}
	if workDir == "" {
		workDir = s.workDir
	}
	return s.HostExecutor.Exec(ctx, cmd, workDir)
}

func (s *hostSession) Cleanup(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
