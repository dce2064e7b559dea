package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentrun/internal/sandbox"
	"github.com/basket/agentrun/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellOutput      = 8 * 1024
)

// denyList contains commands that should never be executed.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// Bash runs shell commands through a sandbox executor.
type Bash struct {
	Exec    sandbox.Executor
	WorkDir string
	Timeout time.Duration
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Execute a shell command and return stdout, stderr and the exit code. Destructive commands (rm, sudo, kill, ...) are refused. Output is truncated to 8KB."
}

// Execute validates cmd and runs it.
func (b *Bash) Execute(ctx context.Context, cmd string) (string, error) {
	if err := checkCommand(cmd); err != nil {
		return "", err
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := b.Exec.Exec(execCtx, cmd, b.WorkDir)
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	return formatOutput(stdout, stderr, exitCode), nil
}

func checkCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return errors.New("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(cmd, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(cmd) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func formatOutput(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	b.WriteString(shared.Redact(truncateOutput(stdout, maxShellOutput)))
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(shared.Redact(truncateOutput(stderr, maxShellOutput)))
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "\nexit code: %d", exitCode)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators,
// returning the individual command segments for deny-list checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
