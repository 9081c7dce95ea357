// Package bootstrap installs missing agent binaries on demand. Installs are
// idempotent and bounded: a backend that is already present is never
// reinstalled, and a failing recipe is retried at most once before the
// failure is surfaced with an actionable hint.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/sandboxed-sh/helmsman/internal/harness"
)

const maxAttempts = 2

// Policy mirrors the configuration toggles that gate automatic installs.
type Policy struct {
	InstallAtBuild    bool
	InstallOnFirstUse bool
}

// PrerequisiteError reports a missing host tool that a recipe needs.
type PrerequisiteError struct {
	Backend string
	Binary  string
	Hint    string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("cannot install %s: %s not found. %s", e.Backend, e.Binary, e.Hint)
}

// Is reports identity by backend and missing binary.
func (e *PrerequisiteError) Is(target error) bool {
	var other *PrerequisiteError
	if !errors.As(target, &other) {
		return false
	}
	return e.Backend == other.Backend && e.Binary == other.Binary
}

// CommandRunner executes install commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return output, fmt.Errorf("%s: %w: %s", formatCommand(name, args), err, trimmed)
		}
		return output, fmt.Errorf("%s: %w", formatCommand(name, args), err)
	}
	return output, nil
}

func formatCommand(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// recipe describes how one backend gets installed.
type recipe struct {
	binary       string
	prerequisite string
	hint         string
	command      []string
}

var recipes = map[string]recipe{
	harness.BackendClaudeCode: {
		binary:       "claude",
		prerequisite: "npm",
		hint:         "Install Node.js and npm on the host.",
		command:      []string{"npm", "install", "-g", "@anthropic-ai/claude-code"},
	},
	harness.BackendOpenCode: {
		binary:       "opencode",
		prerequisite: "curl",
		hint:         "Install curl on the host.",
		command:      []string{"sh", "-c", "curl -fsSL https://opencode.ai/install | bash"},
	},
}

// Option configures an Installer.
type Option func(*Installer)

// WithCommandRunner replaces the install command executor.
func WithCommandRunner(runner CommandRunner) Option {
	return func(i *Installer) {
		if runner != nil {
			i.runner = runner
		}
	}
}

// WithLookPath replaces binary detection, primarily for tests.
func WithLookPath(lookPath func(file string) (string, error)) Option {
	return func(i *Installer) {
		if lookPath != nil {
			i.lookPath = lookPath
		}
	}
}

// Installer provisions agent binaries according to its policy.
type Installer struct {
	policy   Policy
	logger   *log.Logger
	runner   CommandRunner
	lookPath func(file string) (string, error)
}

// NewInstaller builds an Installer. A nil logger discards output.
func NewInstaller(policy Policy, logger *log.Logger, options ...Option) *Installer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	installer := &Installer{
		policy:   policy,
		logger:   logger,
		runner:   defaultCommandRunner{},
		lookPath: exec.LookPath,
	}
	for _, option := range options {
		option(installer)
	}
	return installer
}

// OnFirstUse reports whether a missing binary may be installed lazily when a
// mission first needs it.
func (i *Installer) OnFirstUse() bool { return i.policy.InstallOnFirstUse }

// AtBuild reports whether all known backends should be installed up front.
func (i *Installer) AtBuild() bool { return i.policy.InstallAtBuild }

// Installed reports whether the backend's binary is on PATH.
func (i *Installer) Installed(backend string) bool {
	rec, ok := recipes[backend]
	if !ok {
		return false
	}
	_, err := i.lookPath(rec.binary)
	return err == nil
}

// Ensure makes the backend's binary available, installing it when missing.
// Already-installed backends return immediately.
func (i *Installer) Ensure(ctx context.Context, backend string) error {
	rec, ok := recipes[backend]
	if !ok {
		return fmt.Errorf("no install recipe for backend %q: %w", backend, harness.ErrUnknownBackend)
	}
	if i.Installed(backend) {
		return nil
	}
	if _, err := i.lookPath(rec.prerequisite); err != nil {
		return &PrerequisiteError{Backend: backend, Binary: rec.prerequisite, Hint: rec.hint}
	}

	logger := i.logger.With("backend", backend, "binary", rec.binary)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.With("attempt", attempt).Info("installing agent binary")
		_, err := i.runner.Run(ctx, rec.command[0], rec.command[1:]...)
		if err == nil && i.Installed(backend) {
			logger.Info("agent binary installed")
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s still missing after install", rec.binary)
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.With("attempt", attempt, "error", err).Warn("install attempt failed")
	}
	return fmt.Errorf("install %s (%d attempts): %w", backend, maxAttempts, lastErr)
}

// EnsureAll installs every backend with a recipe. Used when the policy asks
// for installs at build time.
func (i *Installer) EnsureAll(ctx context.Context) error {
	var errs []error
	for _, backend := range []string{harness.BackendClaudeCode, harness.BackendOpenCode} {
		if err := i.Ensure(ctx, backend); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
