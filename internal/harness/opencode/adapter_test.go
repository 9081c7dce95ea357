package opencode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/sandboxed-sh/helmsman/internal/workspace"
)

type fakeProcess struct {
	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) Wait() error { return nil }

func (p *fakeProcess) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed || len(p.signals) > 0
}

type collected struct {
	eventType events.Type
	payload   any
}

type collector struct {
	mu     sync.Mutex
	events []collected
}

func (c *collector) emit(eventType events.Type, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, collected{eventType: eventType, payload: payload})
	return nil
}

func (c *collector) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.eventType
	}
	return out
}

type recordingExecContext struct {
	resolved []workspace.Invocation
}

func (r *recordingExecContext) WorkspaceID() string { return "ws-test" }

func (r *recordingExecContext) Kind() workspace.Kind { return workspace.KindHost }

func (r *recordingExecContext) Resolve(_ context.Context, inv workspace.Invocation) (workspace.Command, error) {
	r.resolved = append(r.resolved, inv)
	return workspace.Command{Name: inv.Program, Args: inv.Args, Dir: inv.Dir}, nil
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return port
}

// newServedSession wires the adapter's spawn seams to a fake process and an
// httptest server standing in for the supervised opencode instance.
func newServedSession(t *testing.T, cfg Config, srv *httptest.Server, spec harness.Spec) (*session, *fakeProcess) {
	t.Helper()
	adapter := New(cfg)
	proc := &fakeProcess{}
	adapter.start = func(context.Context, workspace.Command, time.Duration) (process, error) {
		return proc, nil
	}
	adapter.httpClient = srv.Client()
	adapter.pickPort = func() (int, error) { return serverPort(t, srv), nil }

	spawned, err := adapter.Spawn(context.Background(), &recordingExecContext{}, spec)
	require.NoError(t, err)
	return spawned.(*session), proc
}

func TestPumpCompletedExchange(t *testing.T) {
	t.Parallel()

	var sessionBody map[string]any
	var messageBody map[string]any
	var messageQuery url.Values

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sessionBody))
		_, _ = w.Write([]byte(`{"id":"ses_abc"}`))
	})
	mux.HandleFunc("POST /session/ses_abc/message", func(w http.ResponseWriter, r *http.Request) {
		messageQuery = r.URL.Query()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&messageBody))
		_, _ = w.Write([]byte(`{
			"info":{"providerID":"anthropic","modelID":"claude-sonnet-4"},
			"parts":[
				{"type":"step-start"},
				{"type":"reasoning","text":"planning the edit"},
				{"type":"tool","callID":"call_1","tool":"read","state":{"status":"completed","input":{"path":"README.md"},"output":"# readme"}},
				{"type":"text","text":"all done"},
				{"type":"step-finish"}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, proc := newServedSession(t, Config{Logger: log.New(io.Discard), Permissive: true}, srv, harness.Spec{
		SessionID: "mission-1",
		Prompt:    "update the readme",
		Agent:     "build",
		Model:     "anthropic/claude-sonnet-4",
		Dir:       "/work/repo",
	})

	sink := &collector{}
	require.NoError(t, sess.Pump(context.Background(), sink.emit))

	assert.Equal(t, []events.Type{
		events.TypeInit,
		events.TypeDelta,
		events.TypeToolCall,
		events.TypeToolResult,
		events.TypeMessage,
		events.TypeTerminal,
	}, sink.types())

	init := sink.events[0].payload.(events.InitPayload)
	assert.Equal(t, "mission-1", init.SessionID)
	assert.Equal(t, harness.BackendOpenCode, init.Backend)

	call := sink.events[2].payload.(events.ToolCallPayload)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "read", call.Name)
	assert.JSONEq(t, `{"path":"README.md"}`, string(call.Input))

	result := sink.events[3].payload.(events.ToolResultPayload)
	assert.Equal(t, "# readme", result.Content)
	assert.False(t, result.IsError)

	message := sink.events[4].payload.(events.MessagePayload)
	assert.Equal(t, "all done", message.Text)

	terminal := sink.events[5].payload.(events.TerminalPayload)
	assert.Equal(t, events.TerminalCompleted, terminal.Status)

	// Session creation carries the blanket permission grant.
	perms, ok := sessionBody["permission"].([]any)
	require.True(t, ok, "expected permission array, got %v", sessionBody)
	require.Len(t, perms, 1)
	grant := perms[0].(map[string]any)
	assert.Equal(t, "allow", grant["action"])

	// The message call routes the agent, split model, and directory through.
	assert.Equal(t, "/work/repo", messageQuery.Get("directory"))
	assert.Equal(t, "build", messageBody["agent"])
	model := messageBody["model"].(map[string]any)
	assert.Equal(t, "anthropic", model["providerID"])
	assert.Equal(t, "claude-sonnet-4", model["modelID"])

	assert.True(t, proc.stopped(), "supervised server should be stopped after Pump")
}

// sseWrite flushes one server-sent event to the response.
func sseWrite(t *testing.T, w http.ResponseWriter, data string) {
	t.Helper()
	_, err := io.WriteString(w, "data: "+data+"\n\n")
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

func TestPumpStreamsIncrementalEvents(t *testing.T) {
	t.Parallel()

	streamed := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ses_live"}`))
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_r","sessionID":"ses_live","type":"reasoning","text":"planning"}}}`)
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_t","sessionID":"ses_live","type":"text","text":"hel"}}}`)
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_x","sessionID":"ses_other","type":"text","text":"not ours"}}}`)
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_c","sessionID":"ses_live","type":"tool","callID":"call_9","tool":"bash","state":{"status":"running","input":{"command":"ls"}}}}}`)
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_t","sessionID":"ses_live","type":"text","text":"hello"}}}`)
		sseWrite(t, w, `{"type":"message.part.updated","properties":{"part":{"id":"prt_c","sessionID":"ses_live","type":"tool","callID":"call_9","tool":"bash","state":{"status":"completed","input":{"command":"ls"},"output":"README.md"}}}}`)
		sseWrite(t, w, `{"type":"session.idle","properties":{"sessionID":"ses_live"}}`)
		close(streamed)
	})
	mux.HandleFunc("POST /session/ses_live/message", func(w http.ResponseWriter, _ *http.Request) {
		<-streamed
		_, _ = w.Write([]byte(`{
			"info":{"providerID":"anthropic","modelID":"claude-sonnet-4"},
			"parts":[
				{"id":"prt_r","type":"reasoning","text":"planning"},
				{"id":"prt_c","type":"tool","callID":"call_9","tool":"bash","state":{"status":"completed","input":{"command":"ls"},"output":"README.md"}},
				{"id":"prt_t","type":"text","text":"hello"}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, _ := newServedSession(t, Config{Logger: log.New(io.Discard)}, srv, harness.Spec{
		SessionID: "mission-stream",
		Prompt:    "list the files",
	})

	sink := &collector{}
	require.NoError(t, sess.Pump(context.Background(), sink.emit))

	// Incremental events from /event arrive before the message completes;
	// the reply pass adds only the full assistant message and the terminal.
	assert.Equal(t, []events.Type{
		events.TypeInit,
		events.TypeDelta,
		events.TypeDelta,
		events.TypeToolCall,
		events.TypeDelta,
		events.TypeToolResult,
		events.TypeMessage,
		events.TypeTerminal,
	}, sink.types())

	thinking := sink.events[1].payload.(events.DeltaPayload)
	assert.Equal(t, events.DeltaThinking, thinking.Kind)
	assert.Equal(t, "planning", thinking.Text)

	first := sink.events[2].payload.(events.DeltaPayload)
	assert.Equal(t, events.DeltaText, first.Kind)
	assert.Equal(t, "hel", first.Text)

	call := sink.events[3].payload.(events.ToolCallPayload)
	assert.Equal(t, "call_9", call.CallID)
	assert.Equal(t, "bash", call.Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(call.Input))

	second := sink.events[4].payload.(events.DeltaPayload)
	assert.Equal(t, "lo", second.Text, "cumulative text must be emitted as its unseen suffix")

	result := sink.events[5].payload.(events.ToolResultPayload)
	assert.Equal(t, "README.md", result.Content)
	assert.False(t, result.IsError)

	message := sink.events[6].payload.(events.MessagePayload)
	assert.Equal(t, "hello", message.Text)

	terminal := sink.events[7].payload.(events.TerminalPayload)
	assert.Equal(t, events.TerminalCompleted, terminal.Status)
}

func TestPumpServerErrorMapsToFailedTerminal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ses_err"}`))
	})
	mux.HandleFunc("POST /session/ses_err/message", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"info":{"error":{"name":"ProviderAuthError","message":"invalid api key"}},"parts":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, _ := newServedSession(t, Config{Logger: log.New(io.Discard)}, srv, harness.Spec{
		SessionID: "mission-2",
		Prompt:    "do the thing",
	})

	sink := &collector{}
	require.NoError(t, sess.Pump(context.Background(), sink.emit))

	require.Equal(t, []events.Type{events.TypeInit, events.TypeTerminal}, sink.types())
	terminal := sink.events[1].payload.(events.TerminalPayload)
	assert.Equal(t, events.TerminalFailed, terminal.Status)
	assert.Contains(t, terminal.Detail, "invalid api key")
}

func TestPumpServerNeverReadyReturnsSessionEnded(t *testing.T) {
	t.Parallel()

	// Reserve a port and close the listener so nothing answers there.
	port, err := pickFreePort()
	require.NoError(t, err)

	adapter := New(Config{Logger: log.New(io.Discard), ReadyTimeout: 300 * time.Millisecond})
	proc := &fakeProcess{}
	adapter.start = func(context.Context, workspace.Command, time.Duration) (process, error) { return proc, nil }
	adapter.pickPort = func() (int, error) { return port, nil }

	spawned, err := adapter.Spawn(context.Background(), &recordingExecContext{}, harness.Spec{
		SessionID: "mission-3",
		Prompt:    "hello",
	})
	require.NoError(t, err)

	sink := &collector{}
	err = spawned.Pump(context.Background(), sink.emit)
	require.ErrorIs(t, err, harness.ErrSessionEnded)
	assert.Empty(t, sink.types(), "no events expected when the server never came up")
	assert.True(t, proc.stopped())
}

func TestPumpCancellationAbortsSession(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ses_slow"}`))
	})
	mux.HandleFunc("POST /session/ses_slow/message", func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read; without it
		// the client disconnect is never noticed and r.Context() never fires,
		// deadlocking srv.Close.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /session/ses_slow/abort", func(w http.ResponseWriter, _ *http.Request) {
		close(aborted)
		_, _ = w.Write([]byte(`true`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, proc := newServedSession(t, Config{Logger: log.New(io.Discard)}, srv, harness.Spec{
		SessionID: "mission-4",
		Prompt:    "long running work",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(release)
	}()

	sink := &collector{}
	err := sess.Pump(ctx, sink.emit)
	<-release
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("abort endpoint was never called")
	}

	// Cancellation must not fabricate a terminal event.
	for _, ev := range sink.types() {
		assert.NotEqual(t, events.TypeTerminal, ev)
	}
	assert.True(t, proc.stopped())
}

func TestSpawnResolvesServeCommand(t *testing.T) {
	t.Parallel()

	adapter := New(Config{Logger: log.New(io.Discard)})
	adapter.start = func(context.Context, workspace.Command, time.Duration) (process, error) {
		return &fakeProcess{}, nil
	}
	adapter.pickPort = func() (int, error) { return 41999, nil }

	execCtx := &recordingExecContext{}
	_, err := adapter.Spawn(context.Background(), execCtx, harness.Spec{
		SessionID: "mission-5",
		Prompt:    "hello",
		Dir:       "/work/repo",
		Env:       map[string]string{"OPENCODE_TOKEN": "tok"},
	})
	require.NoError(t, err)

	require.Len(t, execCtx.resolved, 1)
	inv := execCtx.resolved[0]
	assert.Equal(t, "opencode", inv.Program)
	assert.Equal(t, []string{"serve", "--hostname", "127.0.0.1", "--port", "41999"}, inv.Args)
	assert.Equal(t, "/work/repo", inv.Dir)
	assert.Equal(t, "tok", inv.Env["OPENCODE_TOKEN"])

	_, err = adapter.Spawn(context.Background(), execCtx, harness.Spec{SessionID: "mission-6"})
	require.Error(t, err, "empty prompt must be rejected")
}

func TestStartOSProcessSignalsTermOnCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	started := filepath.Join(dir, "started")
	termed := filepath.Join(dir, "termed")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	script := `trap 'echo termed > ` + termed + `; exit 0' TERM; echo up > ` + started + `; while true; do sleep 0.05; done`
	proc, err := startOSProcess(ctx, workspace.Command{
		Name: "sh",
		Args: []string{"-c", script},
	}, 5*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(started)
		return statErr == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	if waitErr := proc.Wait(); waitErr != nil {
		require.ErrorIs(t, waitErr, context.Canceled)
	}

	data, err := os.ReadFile(termed)
	require.NoError(t, err, "process never observed SIGTERM")
	assert.Equal(t, "termed", strings.TrimSpace(string(data)))
}

func TestSplitModel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		provider string
		model    string
		ok       bool
	}{
		{"anthropic/claude-sonnet-4", "anthropic", "claude-sonnet-4", true},
		{" openai/gpt-5 ", "openai", "gpt-5", true},
		{"claude-sonnet-4", "", "", false},
		{"", "", "", false},
		{"anthropic/", "", "", false},
	}
	for _, tc := range cases {
		provider, model, ok := splitModel(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.provider, provider, tc.in)
		assert.Equal(t, tc.model, model, tc.in)
	}
}
