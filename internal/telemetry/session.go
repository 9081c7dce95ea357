package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	apiTokenPattern        = regexp.MustCompile(`\bsk-[A-Za-z0-9._\-]{10,}\b`)
)

// SessionRequest defines telemetry metadata for one harness session. The
// prompt itself never leaves the process: only its hash is attached.
type SessionRequest struct {
	MissionID string
	Backend   string
	Model     string
	Prompt    string
}

// SessionCall tracks one harness.session span lifecycle.
type SessionCall struct {
	span      trace.Span
	startedAt time.Time

	mu        sync.Mutex
	toolCalls int
	ended     bool
}

// StartSession starts a harness.session span and returns a context carrying it.
func StartSession(ctx context.Context, req SessionRequest) (context.Context, *SessionCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("mission_id", normalizeOrUnknown(req.MissionID)),
		attribute.String("backend", normalizeOrUnknown(req.Backend)),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		attrs = append(attrs, attribute.String("model", model))
	}

	spanCtx, span := otel.Tracer("helmsman/telemetry").Start(
		ctx,
		"harness.session",
		trace.WithAttributes(attrs...),
	)

	return spanCtx, &SessionCall{span: span, startedAt: time.Now()}
}

// RecordToolCall adds a tool-call event to the active session span.
func (c *SessionCall) RecordToolCall(toolName string) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.toolCalls++

	c.span.AddEvent(
		"harness.tool_call",
		trace.WithAttributes(attribute.String("tool_name", normalizeOrUnknown(toolName))),
	)
}

// End finalizes the session span with latency, cost, and turn count.
func (c *SessionCall) End(status string, costUSD float64, numTurns int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	toolCalls := c.toolCalls
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_calls_count", toolCalls),
		attribute.String("terminal_status", normalizeOrUnknown(status)),
	}
	if costUSD > 0 {
		attrs = append(attrs, attribute.Float64("cost_usd", costUSD))
	}
	if numTurns > 0 {
		attrs = append(attrs, attribute.Int("num_turns", numTurns))
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "session completed")
	}
	c.span.End()
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(RedactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

// RedactSecrets strips credential-looking substrings and bounds length so
// error text is safe to attach to spans and logs.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = apiTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
