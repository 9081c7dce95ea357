// Package tracing decorates workspace command execution with OpenTelemetry
// spans. Arguments are redacted before they are attached, so machinectl,
// nsenter, and agent CLI invocations can be traced without leaking
// credentials passed on the command line.
package tracing

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxed-sh/helmsman/internal/workspace"
)

const maxOutputEventBytes = 1024

// Runner wraps a workspace.CommandRunner with span instrumentation.
type Runner struct {
	next workspace.CommandRunner
}

// NewRunner decorates the given runner. A nil runner falls back to the
// default subprocess runner.
func NewRunner(next workspace.CommandRunner) *Runner {
	if next == nil {
		next = workspace.NewCommandRunner()
	}
	return &Runner{next: next}
}

// Run executes the command through the wrapped runner inside a command span.
func (r *Runner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, span := startCommandSpan(ctx, name, args)
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	output, err := r.next.Run(ctx, name, args...)

	span.SetAttributes(attribute.Int("exit_code", resolveExitCode(ctx, err)))
	if text := strings.TrimSpace(string(output)); text != "" {
		span.AddEvent(
			"command.output",
			trace.WithAttributes(attribute.String("output", truncateOutput(text, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return output, err
	}
	span.SetStatus(codes.Ok, "command completed")
	return output, nil
}

// Start launches a detached process through the wrapped runner. The span
// covers the launch only, not the process lifetime.
func (r *Runner) Start(ctx context.Context, name string, args ...string) (int, error) {
	ctx, span := startCommandSpan(ctx, name, args)
	defer span.End()

	pid, err := r.next.Start(ctx, name, args...)
	span.SetAttributes(attribute.Int("pid", pid))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return pid, err
	}
	span.SetStatus(codes.Ok, "process started")
	return pid, nil
}

func startCommandSpan(ctx context.Context, name string, args []string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer("helmsman/tracing").Start(
		ctx,
		"workspace.command",
		trace.WithAttributes(
			attribute.String("command", strings.TrimSpace(name)),
			attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
		),
	)
}

func resolveExitCode(ctx context.Context, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values that look like credentials: `key=value` pairs with
// sensitive keys, and values following a sensitive flag.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if isSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

var _ workspace.CommandRunner = (*Runner)(nil)
