// Package claudecode adapts the Claude Code CLI's stream-json wire protocol
// into canonical mission events. The CLI writes line-delimited JSON on
// stdout; each complete line is a self-contained object discriminated by a
// "type" field.
package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/sandboxed-sh/helmsman/internal/workspace"
)

const (
	binaryName = "claude"

	// oauthTokenPrefix distinguishes OAuth tokens from API keys.
	oauthTokenPrefix = "sk-ant-oat"

	// maxLineBytes bounds one wire line; tool results can be large.
	maxLineBytes = 8 * 1024 * 1024

	defaultTerminateGrace = 5 * time.Second
)

// Config configures the adapter.
type Config struct {
	// AuthToken is forwarded to the CLI through the environment. Tokens
	// prefixed sk-ant-oat travel as CLAUDE_CODE_OAUTH_TOKEN, anything else
	// as ANTHROPIC_API_KEY.
	AuthToken string
	Logger    *log.Logger
}

// Adapter spawns the claude CLI and translates its stream into canonical events.
type Adapter struct {
	authToken string
	logger    *log.Logger
	start     startFunc
}

type startFunc func(ctx context.Context, cmd workspace.Command, grace time.Duration) (process, error)

// process abstracts the spawned CLI for testing.
type process interface {
	Stdout() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// New builds a Claude Code adapter.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Adapter{
		authToken: strings.TrimSpace(cfg.AuthToken),
		logger:    logger,
		start:     startOSProcess,
	}
}

// ID implements harness.Adapter.
func (a *Adapter) ID() string { return harness.BackendClaudeCode }

// Binary implements harness.Adapter.
func (a *Adapter) Binary() string { return binaryName }

// Spawn resolves the CLI invocation through the workspace execution context
// and starts the process with its stdout piped into a fresh session.
func (a *Adapter) Spawn(ctx context.Context, execCtx workspace.ExecContext, spec harness.Spec) (harness.Session, error) {
	if execCtx == nil {
		return nil, errors.New("execution context is required")
	}
	if strings.TrimSpace(spec.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}

	inv := workspace.Invocation{
		Program: binaryName,
		Args:    buildArgs(spec),
		Dir:     spec.Dir,
		Env:     a.buildEnv(spec.Env),
	}
	cmd, err := execCtx.Resolve(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("resolve claude invocation: %w", err)
	}

	grace := spec.Grace
	if grace <= 0 {
		grace = defaultTerminateGrace
	}
	proc, err := a.start(ctx, cmd, grace)
	if err != nil {
		return nil, fmt.Errorf("spawn claude session %s: %w", spec.SessionID, err)
	}

	return &session{
		id:     spec.SessionID,
		proc:   proc,
		grace:  grace,
		stop:   make(chan struct{}),
		logger: a.logger.With("backend", harness.BackendClaudeCode, "session_id", spec.SessionID),
	}, nil
}

func buildArgs(spec harness.Spec) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if model := strings.TrimSpace(spec.Model); model != "" {
		args = append(args, "--model", model)
	}
	if agent := strings.TrimSpace(spec.Agent); agent != "" {
		args = append(args, "--agent", agent)
	}
	args = append(args, "--session-id", spec.SessionID, spec.Prompt)
	return args
}

func (a *Adapter) buildEnv(extra map[string]string) map[string]string {
	env := make(map[string]string, len(extra)+1)
	for key, value := range extra {
		env[key] = value
	}
	if a.authToken != "" {
		if strings.HasPrefix(a.authToken, oauthTokenPrefix) {
			env["CLAUDE_CODE_OAUTH_TOKEN"] = a.authToken
		} else {
			env["ANTHROPIC_API_KEY"] = a.authToken
		}
	}
	return env
}

// session owns the spawned process and its parser state.
type session struct {
	id     string
	proc   process
	grace  time.Duration
	stop   chan struct{}
	logger *log.Logger

	mu           sync.Mutex
	terminalSeen bool
	cleaned      bool
}

func (s *session) ID() string { return s.id }

// Pump reads stdout line by line until the result event or process exit.
func (s *session) Pump(ctx context.Context, emit harness.EmitFunc) error {
	defer s.cleanup()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-s.stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := s.Terminate(s.grace); err != nil {
				s.logger.With("error", err).Warn("terminate after cancellation")
			}
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					s.logger.With("error", err).Warn("stdout read ended abnormally")
				}
				_ = s.proc.Wait()
				if s.sawTerminal() {
					return nil
				}
				return harness.ErrSessionEnded
			}
			terminal, err := s.handleLine(line, emit)
			if err != nil {
				return err
			}
			if terminal {
				_ = s.proc.Wait()
				return nil
			}
		}
	}
}

// Terminate signals SIGTERM and escalates to SIGKILL after the grace period.
func (s *session) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = defaultTerminateGrace
	}
	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		return s.proc.Kill()
	}

	done := make(chan struct{})
	go func() {
		_ = s.proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return s.proc.Kill()
	}
}

func (s *session) cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	s.mu.Unlock()
	close(s.stop)
	_ = s.proc.Kill()
	_ = s.proc.Wait()
}

func (s *session) sawTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalSeen
}

func (s *session) markTerminal() {
	s.mu.Lock()
	s.terminalSeen = true
	s.mu.Unlock()
}

// handleLine decodes one wire line and emits the canonical events it maps
// to. A non-terminal line that fails to decode becomes an adapter_error
// event; an undecodable result line is fatal for the session.
func (s *session) handleLine(line string, emit harness.EmitFunc) (bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, nil
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false, emit(events.TypeAdapterError, events.AdapterErrorPayload{
			Message: fmt.Sprintf("undecodable wire line: %v", err),
			Line:    truncate(trimmed, 512),
		})
	}

	switch probe.Type {
	case "system":
		return false, s.handleSystem(trimmed, emit)
	case "stream_event":
		return false, s.handleStreamEvent(trimmed, emit)
	case "assistant":
		return false, s.handleAssistant(trimmed, emit)
	case "user":
		return false, s.handleUser(trimmed, emit)
	case "result":
		return true, s.handleResult(trimmed, emit)
	default:
		s.logger.With("wire_type", probe.Type).Debug("ignoring unsupported wire event")
		return false, nil
	}
}

type systemLine struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

func (s *session) handleSystem(line string, emit harness.EmitFunc) error {
	var decoded systemLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return s.emitParseFailure(line, err, emit)
	}
	sessionID := decoded.SessionID
	if sessionID == "" {
		sessionID = s.id
	}
	return emit(events.TypeInit, events.InitPayload{
		SessionID: sessionID,
		Backend:   harness.BackendClaudeCode,
		Model:     decoded.Model,
	})
}

type streamEventLine struct {
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			Thinking    string `json:"thinking"`
		} `json:"delta"`
	} `json:"event"`
}

func (s *session) handleStreamEvent(line string, emit harness.EmitFunc) error {
	var decoded streamEventLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return s.emitParseFailure(line, err, emit)
	}
	if decoded.Event.Type != "content_block_delta" {
		// message_start, content_block_start/stop, message_delta, and
		// message_stop carry no user-visible content.
		return nil
	}

	delta := decoded.Event.Delta
	switch delta.Type {
	case "text_delta":
		return emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaText, Text: delta.Text})
	case "thinking_delta":
		return emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaThinking, Text: delta.Thinking})
	case "input_json_delta":
		return emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaToolInput, Text: delta.PartialJSON})
	default:
		return nil
	}
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type assistantLine struct {
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Content json.RawMessage `json:"content"`
}

func (s *session) handleAssistant(line string, emit harness.EmitFunc) error {
	var decoded assistantLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return s.emitParseFailure(line, err, emit)
	}

	blocks := []contentBlock{}
	if decoded.Message != nil {
		blocks = decoded.Message.Content
	} else if len(decoded.Content) > 0 {
		// Compact form: content directly on the envelope, either a plain
		// string or an array of blocks.
		var text string
		if err := json.Unmarshal(decoded.Content, &text); err == nil {
			blocks = []contentBlock{{Type: "text", Text: text}}
		} else if err := json.Unmarshal(decoded.Content, &blocks); err != nil {
			return s.emitParseFailure(line, err, emit)
		}
	}

	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			if err := emit(events.TypeToolCall, events.ToolCallPayload{
				CallID: block.ID,
				Name:   block.Name,
				Input:  block.Input,
			}); err != nil {
				return err
			}
		}
	}
	if len(texts) > 0 {
		return emit(events.TypeMessage, events.MessagePayload{
			Role: "assistant",
			Text: strings.Join(texts, "\n"),
		})
	}
	return nil
}

type userLine struct {
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func (s *session) handleUser(line string, emit harness.EmitFunc) error {
	var decoded userLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return s.emitParseFailure(line, err, emit)
	}
	if decoded.Message == nil {
		return nil
	}
	for _, block := range decoded.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		if err := emit(events.TypeToolResult, events.ToolResultPayload{
			CallID:  block.ToolUseID,
			Content: toolResultText(block.Content),
			IsError: block.IsError,
		}); err != nil {
			return err
		}
	}
	return nil
}

type resultLine struct {
	Subtype      string  `json:"subtype"`
	Status       string  `json:"status"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
}

// handleResult decodes the terminal line. Decode failure here is escalated;
// there is no later line to recover on.
func (s *session) handleResult(line string, emit harness.EmitFunc) error {
	var decoded resultLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		return &harness.ParseError{
			Backend: harness.BackendClaudeCode,
			Line:    truncate(line, 512),
			Err:     err,
		}
	}

	status := events.TerminalCompleted
	outcome := decoded.Status
	if outcome == "" {
		outcome = decoded.Subtype
	}
	if decoded.IsError || (outcome != "" && outcome != "success") {
		status = events.TerminalFailed
	}

	s.markTerminal()
	return emit(events.TypeTerminal, events.TerminalPayload{
		Status:     status,
		Detail:     decoded.Result,
		CostUSD:    decoded.TotalCostUSD,
		DurationMS: decoded.DurationMS,
		NumTurns:   decoded.NumTurns,
	})
}

func (s *session) emitParseFailure(line string, err error, emit harness.EmitFunc) error {
	s.logger.With("error", err).Warn("recovered from malformed wire line")
	return emit(events.TypeAdapterError, events.AdapterErrorPayload{
		Message: fmt.Sprintf("malformed wire line: %v", err),
		Line:    truncate(line, 512),
	})
}

// toolResultText flattens tool result content, which arrives either as a
// plain string or as an array of text parts.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// osProcess is the production process implementation.
type osProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func startOSProcess(ctx context.Context, cmd workspace.Command, grace time.Duration) (process, error) {
	execCmd := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}
	execCmd.Stdin = nil
	// Context cancellation must not SIGKILL outright: signal SIGTERM and
	// let WaitDelay escalate after the grace period.
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = grace

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := execCmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: execCmd, stdout: stdout}, nil
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

var _ harness.Adapter = (*Adapter)(nil)
