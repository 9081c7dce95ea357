package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes short-lived tooling commands (machinectl, nspawn).
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a long-lived command detached from the caller and
	// returns its pid without waiting for exit.
	Start(ctx context.Context, name string, args ...string) (int, error)
}

type defaultCommandRunner struct{}

// NewCommandRunner returns the default os/exec backed runner.
func NewCommandRunner() CommandRunner {
	return defaultCommandRunner{}
}

func (d defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

func (d defaultCommandRunner) Start(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", formatCommand(name, args), err)
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}
