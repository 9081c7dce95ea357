// Package opencode adapts the OpenCode agent to canonical mission events.
// Unlike stdout-streaming backends, OpenCode exposes an HTTP API: the
// adapter starts and supervises a local `opencode serve` process inside the
// workspace's execution context, drives one session over HTTP, and
// normalizes the response into the shared event vocabulary.
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
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
	binaryName = "opencode"

	defaultReadyTimeout  = 20 * time.Second
	defaultReadyInterval = 200 * time.Millisecond

	defaultTerminateGrace = 5 * time.Second

	// maxEventBytes bounds one server-sent event; tool outputs can be large.
	maxEventBytes = 4 * 1024 * 1024
)

// Config configures the adapter.
type Config struct {
	Logger *log.Logger
	// DefaultAgent is used when the mission spec names no agent.
	DefaultAgent string
	// Permissive grants blanket tool permission inside created sessions.
	Permissive bool
	// ReadyTimeout bounds how long Pump waits for the supervised server.
	ReadyTimeout time.Duration
}

// Adapter spawns and supervises a local OpenCode server per session.
type Adapter struct {
	logger       *log.Logger
	defaultAgent string
	permissive   bool
	readyTimeout time.Duration

	start      startFunc
	httpClient *http.Client
	pickPort   func() (int, error)
}

type startFunc func(ctx context.Context, cmd workspace.Command, grace time.Duration) (process, error)

type process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// New builds an OpenCode adapter.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	return &Adapter{
		logger:       logger,
		defaultAgent: strings.TrimSpace(cfg.DefaultAgent),
		permissive:   cfg.Permissive,
		readyTimeout: readyTimeout,
		start:        startOSProcess,
		httpClient:   &http.Client{},
		pickPort:     pickFreePort,
	}
}

// ID implements harness.Adapter.
func (a *Adapter) ID() string { return harness.BackendOpenCode }

// Binary implements harness.Adapter.
func (a *Adapter) Binary() string { return binaryName }

// Spawn starts the supervised server through the workspace execution
// context. Driving the session happens in Pump.
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

	port, err := a.pickPort()
	if err != nil {
		return nil, fmt.Errorf("pick server port: %w", err)
	}

	inv := workspace.Invocation{
		Program: binaryName,
		Args:    []string{"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port)},
		Dir:     spec.Dir,
		Env:     spec.Env,
	}
	cmd, err := execCtx.Resolve(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("resolve opencode invocation: %w", err)
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = defaultTerminateGrace
	}
	proc, err := a.start(ctx, cmd, grace)
	if err != nil {
		return nil, fmt.Errorf("spawn opencode server for session %s: %w", spec.SessionID, err)
	}

	agent := strings.TrimSpace(spec.Agent)
	if agent == "" {
		agent = a.defaultAgent
	}

	return &session{
		id:           spec.SessionID,
		spec:         spec,
		agent:        agent,
		permissive:   a.permissive,
		baseURL:      fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient:   a.httpClient,
		proc:         proc,
		grace:        grace,
		readyTimeout: a.readyTimeout,
		logger:       a.logger.With("backend", harness.BackendOpenCode, "session_id", spec.SessionID),
	}, nil
}

type session struct {
	id           string
	spec         harness.Spec
	agent        string
	permissive   bool
	baseURL      string
	httpClient   *http.Client
	proc         process
	grace        time.Duration
	readyTimeout time.Duration
	logger       *log.Logger

	mu      sync.Mutex
	cleaned bool
}

func (s *session) ID() string { return s.id }

// Pump drives one message exchange: wait for the server, create a session,
// send the prompt while consuming the server's /event stream for incremental
// output, then settle the terminal event from the completed reply.
func (s *session) Pump(ctx context.Context, emit harness.EmitFunc) error {
	defer s.cleanup()

	if err := s.waitReady(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("opencode server not ready within %s: %w", s.readyTimeout, harness.ErrSessionEnded)
	}

	remoteID, err := s.createSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("create opencode session: %w", harness.ErrSessionEnded)
	}

	if err := emit(events.TypeInit, events.InitPayload{
		SessionID: s.id,
		Backend:   harness.BackendOpenCode,
		Model:     s.spec.Model,
	}); err != nil {
		return err
	}

	type exchange struct {
		reply *messageReply
		err   error
	}
	replies := make(chan exchange, 1)

	// The message POST blocks until the whole exchange finishes; incremental
	// output arrives on /event in the meantime. Stream consumption stays on
	// this goroutine so events keep their arrival order.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go func() {
		reply, sendErr := s.sendMessage(ctx, remoteID)
		replies <- exchange{reply: reply, err: sendErr}
		stopStream()
	}()

	seen := newStreamState()
	if err := s.consumeEvents(streamCtx, remoteID, seen, emit); err != nil {
		if ctx.Err() == nil && streamCtx.Err() == nil {
			s.logger.With("error", err).Debug("event stream ended early")
		}
	}

	var result exchange
	select {
	case result = <-replies:
	case <-ctx.Done():
		s.abort(remoteID)
		return ctx.Err()
	}
	if result.err != nil {
		if ctx.Err() != nil {
			s.abort(remoteID)
			return ctx.Err()
		}
		return fmt.Errorf("opencode message exchange: %w", harness.ErrSessionEnded)
	}

	return s.normalize(result.reply, seen, emit)
}

// Terminate stops the supervised server process.
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
	if err := s.Terminate(s.grace); err != nil {
		s.logger.With("error", err).Debug("server cleanup")
	}
}

// waitReady polls /health; servers without a health route are considered
// reachable once /session answers anything at all.
func (s *session) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.readyTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.reachable(ctx, "/health") || s.reachable(ctx, "/session") {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("server unreachable")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultReadyInterval):
		}
	}
}

func (s *session) reachable(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < http.StatusInternalServerError
}

func (s *session) createSession(ctx context.Context) (string, error) {
	body := map[string]any{}
	if s.permissive {
		body["permission"] = []map[string]string{{
			"permission": "*",
			"pattern":    "*",
			"action":     "allow",
		}}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := s.postJSON(ctx, s.sessionURL("/session"), body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("server returned no session id")
	}
	return created.ID, nil
}

type messageReply struct {
	Info struct {
		ProviderID string          `json:"providerID"`
		ModelID    string          `json:"modelID"`
		Error      json.RawMessage `json:"error"`
	} `json:"info"`
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	State     *struct {
		Status string          `json:"status"`
		Input  json.RawMessage `json:"input"`
		Output string          `json:"output"`
		Error  string          `json:"error"`
	} `json:"state"`
}

func (p messagePart) key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Type + ":" + p.CallID
}

// toolSettled reports whether the part's tool execution reached an outcome.
func (p messagePart) toolSettled() bool {
	return p.State != nil && (p.State.Status == "completed" || p.State.Status == "error")
}

func (s *session) sendMessage(ctx context.Context, remoteID string) (*messageReply, error) {
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": s.spec.Prompt}},
	}
	if s.agent != "" {
		body["agent"] = s.agent
	}
	if provider, model, ok := splitModel(s.spec.Model); ok {
		body["model"] = map[string]string{"providerID": provider, "modelID": model}
	}

	var reply messageReply
	if err := s.postJSON(ctx, s.sessionURL("/session/"+remoteID+"/message"), body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// streamState tracks which incremental output has already been emitted from
// the /event stream so the completed-reply pass does not repeat it.
type streamState struct {
	textSeen map[string]int
	calls    map[string]struct{}
	results  map[string]struct{}
}

func newStreamState() *streamState {
	return &streamState{
		textSeen: map[string]int{},
		calls:    map[string]struct{}{},
		results:  map[string]struct{}{},
	}
}

// unseenText returns the suffix of the part's cumulative text that has not
// been emitted yet and records it as seen.
func (st *streamState) unseenText(part messagePart) string {
	seen := st.textSeen[part.key()]
	if len(part.Text) <= seen {
		return ""
	}
	st.textSeen[part.key()] = len(part.Text)
	return part.Text[seen:]
}

func (st *streamState) callEmitted(callID string) bool {
	_, ok := st.calls[callID]
	return ok
}

func (st *streamState) resultEmitted(callID string) bool {
	_, ok := st.results[callID]
	return ok
}

// consumeEvents reads the server's /event stream and emits canonical events
// for our session until it goes idle or the context ends. Stream failures
// are not fatal: the completed reply still carries the exchange outcome.
func (s *session) consumeEvents(ctx context.Context, remoteID string, seen *streamState, emit harness.EmitFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/event", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/event: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			idle, err := s.handleServerEvent(data.Bytes(), remoteID, seen, emit)
			data.Reset()
			if err != nil {
				return err
			}
			if idle {
				return nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

type serverEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// handleServerEvent normalizes one decoded /event payload. It reports
// idle=true once the server declares our session finished.
func (s *session) handleServerEvent(data []byte, remoteID string, seen *streamState, emit harness.EmitFunc) (bool, error) {
	var event serverEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.With("error", err).Debug("undecodable server event")
		return false, nil
	}

	switch event.Type {
	case "message.part.updated":
		var props struct {
			Part messagePart `json:"part"`
		}
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			s.logger.With("error", err).Debug("undecodable part update")
			return false, nil
		}
		if props.Part.SessionID != remoteID {
			return false, nil
		}
		return false, s.emitStreamPart(props.Part, seen, emit)
	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(event.Properties, &props); err != nil {
			return false, nil
		}
		return props.SessionID == remoteID, nil
	case "session.error":
		return false, emit(events.TypeAdapterError, events.AdapterErrorPayload{
			Message: "server reported session error",
			Line:    truncate(string(event.Properties), 512),
		})
	default:
		return false, nil
	}
}

// emitStreamPart maps one incremental part update to canonical events. Text
// and reasoning parts arrive cumulatively and are emitted as deltas of the
// unseen suffix; tool parts produce one call and one settled result each.
func (s *session) emitStreamPart(part messagePart, seen *streamState, emit harness.EmitFunc) error {
	switch part.Type {
	case "text":
		if delta := seen.unseenText(part); delta != "" {
			return emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaText, Text: delta})
		}
	case "reasoning":
		if delta := seen.unseenText(part); delta != "" {
			return emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaThinking, Text: delta})
		}
	case "tool":
		return s.emitToolEvents(part, seen, emit)
	}
	return nil
}

// emitToolEvents emits the tool call once its input is known and the result
// once its state settles, deduplicated by call id.
func (s *session) emitToolEvents(part messagePart, seen *streamState, emit harness.EmitFunc) error {
	if part.CallID == "" || part.State == nil {
		return nil
	}
	if !seen.callEmitted(part.CallID) && part.State.Status != "" && part.State.Status != "pending" {
		seen.calls[part.CallID] = struct{}{}
		if err := emit(events.TypeToolCall, events.ToolCallPayload{
			CallID: part.CallID,
			Name:   part.Tool,
			Input:  part.State.Input,
		}); err != nil {
			return err
		}
	}
	if part.toolSettled() && !seen.resultEmitted(part.CallID) {
		seen.results[part.CallID] = struct{}{}
		content := part.State.Output
		isError := part.State.Status == "error"
		if isError && part.State.Error != "" {
			content = part.State.Error
		}
		return emit(events.TypeToolResult, events.ToolResultPayload{
			CallID:  part.CallID,
			Content: content,
			IsError: isError,
		})
	}
	return nil
}

// normalize converts the completed reply's parts into ordered canonical
// events, skipping output already delivered from the stream, and closes with
// the terminal event derived from the info error.
func (s *session) normalize(reply *messageReply, seen *streamState, emit harness.EmitFunc) error {
	for _, part := range reply.Parts {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			// The full assistant message follows its deltas, mirroring
			// stdout-streaming backends.
			seen.textSeen[part.key()] = len(part.Text)
			if err := emit(events.TypeMessage, events.MessagePayload{Role: "assistant", Text: part.Text}); err != nil {
				return err
			}
		case "reasoning":
			delta := seen.unseenText(part)
			if delta == "" {
				continue
			}
			if err := emit(events.TypeDelta, events.DeltaPayload{Kind: events.DeltaThinking, Text: delta}); err != nil {
				return err
			}
		case "tool":
			if !seen.callEmitted(part.CallID) {
				if err := emit(events.TypeToolCall, events.ToolCallPayload{
					CallID: part.CallID,
					Name:   part.Tool,
					Input:  toolInput(part),
				}); err != nil {
					return err
				}
			}
			if part.State != nil && part.State.Status != "" && part.State.Status != "pending" && part.State.Status != "running" && !seen.resultEmitted(part.CallID) {
				content := part.State.Output
				isError := part.State.Status == "error"
				if isError && part.State.Error != "" {
					content = part.State.Error
				}
				if err := emit(events.TypeToolResult, events.ToolResultPayload{
					CallID:  part.CallID,
					Content: content,
					IsError: isError,
				}); err != nil {
					return err
				}
			}
		case "step-start", "step-finish":
			// Bookkeeping parts with no user-visible content.
		default:
			s.logger.With("part_type", part.Type).Debug("ignoring unsupported message part")
		}
	}

	terminal := events.TerminalPayload{Status: events.TerminalCompleted}
	if len(reply.Info.Error) > 0 && string(reply.Info.Error) != "null" {
		terminal.Status = events.TerminalFailed
		terminal.Detail = string(reply.Info.Error)
	}
	return emit(events.TypeTerminal, terminal)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func (s *session) abort(remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.postJSON(ctx, s.sessionURL("/session/"+remoteID+"/abort"), map[string]any{}, nil); err != nil {
		s.logger.With("error", err).Debug("abort request")
	}
}

// sessionURL appends the workspace directory as a query parameter the way
// the server expects for multi-root setups.
func (s *session) sessionURL(path string) string {
	full := s.baseURL + path
	if dir := strings.TrimSpace(s.spec.Dir); dir != "" {
		full += "?directory=" + url.QueryEscape(dir)
	}
	return full
}

func (s *session) postJSON(ctx context.Context, rawURL string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toolInput(part messagePart) json.RawMessage {
	if part.State == nil {
		return nil
	}
	return part.State.Input
}

func splitModel(model string) (string, string, bool) {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

func pickFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// osProcess wraps the supervised server process.
type osProcess struct {
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
}

func startOSProcess(ctx context.Context, cmd workspace.Command, grace time.Duration) (process, error) {
	execCmd := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}
	// Context cancellation must not SIGKILL outright: signal SIGTERM and
	// let WaitDelay escalate after the grace period.
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = grace
	if err := execCmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: execCmd}, nil
}

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
