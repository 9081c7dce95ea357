package mission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

type fakeExecContext struct {
	workspaceID string
}

func (f *fakeExecContext) WorkspaceID() string  { return f.workspaceID }
func (f *fakeExecContext) Kind() workspace.Kind { return workspace.KindHost }
func (f *fakeExecContext) Resolve(_ context.Context, inv workspace.Invocation) (workspace.Command, error) {
	return workspace.Command{Name: inv.Program, Args: inv.Args, Dir: inv.Dir}, nil
}

type fakeWorkspaces struct {
	mu          sync.Mutex
	workspaces  map[string]workspace.Workspace
	ensureErr   error
	ensureCalls int
}

func newFakeWorkspaces(ids ...string) *fakeWorkspaces {
	f := &fakeWorkspaces{workspaces: map[string]workspace.Workspace{}}
	for _, id := range ids {
		f.workspaces[id] = workspace.Workspace{ID: id, Kind: workspace.KindHost, Root: "/tmp/" + id}
	}
	return f
}

func (f *fakeWorkspaces) Get(id string) (*workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return nil, workspace.ErrUnknownWorkspace
	}
	return &ws, nil
}

func (f *fakeWorkspaces) EnsureReady(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if _, ok := f.workspaces[id]; !ok {
		return workspace.ErrUnknownWorkspace
	}
	return nil
}

func (f *fakeWorkspaces) ExecContext(id string) (workspace.ExecContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[id]; !ok {
		return nil, workspace.ErrUnknownWorkspace
	}
	return &fakeExecContext{workspaceID: id}, nil
}

type fakeInstaller struct {
	mu          sync.Mutex
	installed   map[string]bool
	onFirstUse  bool
	ensureErr   error
	ensureCalls int
}

func (f *fakeInstaller) Installed(backend string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[backend]
}

func (f *fakeInstaller) OnFirstUse() bool { return f.onFirstUse }

func (f *fakeInstaller) Ensure(_ context.Context, backend string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.installed[backend] = true
	return nil
}

// scriptedStep is one emit performed by a fake session's Pump.
type scriptedStep struct {
	eventType events.Type
	payload   any
}

type fakeSession struct {
	id        string
	steps     []scriptedStep
	pumpErr   error
	blockCtx  bool
	proceed   chan struct{}
	terminate struct {
		mu    sync.Mutex
		calls int
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Pump(ctx context.Context, emit harness.EmitFunc) error {
	if s.proceed != nil {
		<-s.proceed
	}
	for _, step := range s.steps {
		if err := emit(step.eventType, step.payload); err != nil {
			return err
		}
	}
	if s.blockCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.pumpErr
}

func (s *fakeSession) Terminate(time.Duration) error {
	s.terminate.mu.Lock()
	defer s.terminate.mu.Unlock()
	s.terminate.calls++
	return nil
}

type fakeAdapter struct {
	mu         sync.Mutex
	id         string
	spawnErrs  []error
	sessions   []*fakeSession
	spawnCount int
	lastSpec   harness.Spec
}

func (a *fakeAdapter) ID() string     { return a.id }
func (a *fakeAdapter) Binary() string { return a.id }

func (a *fakeAdapter) Spawn(_ context.Context, _ workspace.ExecContext, spec harness.Spec) (harness.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spawnCount++
	a.lastSpec = spec
	if len(a.spawnErrs) > 0 {
		err := a.spawnErrs[0]
		a.spawnErrs = a.spawnErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(a.sessions) == 0 {
		return nil, fmt.Errorf("no scripted session for %s", spec.SessionID)
	}
	session := a.sessions[0]
	a.sessions = a.sessions[1:]
	if session.id == "" {
		session.id = spec.SessionID
	}
	return session, nil
}

func completedSteps() []scriptedStep {
	return []scriptedStep{
		{events.TypeInit, events.InitPayload{SessionID: "s1", Backend: "claudecode"}},
		{events.TypeMessage, events.MessagePayload{Role: "assistant", Text: "done"}},
		{events.TypeTerminal, events.TerminalPayload{
			Status:     events.TerminalCompleted,
			CostUSD:    0.25,
			DurationMS: 1200,
			NumTurns:   3,
		}},
	}
}

type testFixture struct {
	runner     *Runner
	workspaces *fakeWorkspaces
	installer  *fakeInstaller
	adapter    *fakeAdapter
}

func newFixture(t *testing.T, adapter *fakeAdapter, installer *fakeInstaller) *testFixture {
	t.Helper()
	workspaces := newFakeWorkspaces("ws1")
	registry, err := harness.NewRegistry(adapter.id, adapter)
	require.NoError(t, err)
	runner, err := NewRunner(workspaces, registry, installer,
		WithGracePeriod(time.Second),
	)
	require.NoError(t, err)
	return &testFixture{runner: runner, workspaces: workspaces, installer: installer, adapter: adapter}
}

func installedInstaller() *fakeInstaller {
	return &fakeInstaller{installed: map[string]bool{"claudecode": true, "opencode": true}}
}

func waitTerminal(t *testing.T, runner *Runner, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snapshot, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	return snapshot
}

func waitForState(t *testing.T, runner *Runner, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := runner.Status(id)
		require.NoError(t, err)
		if snapshot.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mission %s never reached state %s", id, want)
}

func TestStartRunsMissionToCompletion(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{{steps: completedSteps()}}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "fix the build",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateCompleted, snapshot.State)
	assert.Equal(t, 0.25, snapshot.CostUSD)
	assert.Equal(t, int64(1200), snapshot.DurationMS)
	assert.Equal(t, 3, snapshot.NumTurns)
	assert.Equal(t, uint64(3), snapshot.LastSequence)
	assert.False(t, snapshot.EndedAt.IsZero())

	// Pending -> Provisioning -> Running -> Completed, in order.
	require.Len(t, snapshot.History, 3)
	assert.Equal(t, StateProvisioning, snapshot.History[0].ToState)
	assert.Equal(t, StateRunning, snapshot.History[1].ToState)
	assert.Equal(t, StateCompleted, snapshot.History[2].ToState)

	recorded, err := fx.runner.Events(id, 1)
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	assert.Equal(t, events.TypeTerminal, recorded[2].Type)
	for i, ev := range recorded {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestStartValidatesSynchronously(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode"}
	fx := newFixture(t, adapter, installedInstaller())

	_, err := fx.runner.Start(context.Background(), SubmitRequest{WorkspaceID: "ws1", Prompt: "  "})
	require.Error(t, err)

	_, err = fx.runner.Start(context.Background(), SubmitRequest{WorkspaceID: "ws1", Backend: "codex", Prompt: "go"})
	require.ErrorIs(t, err, harness.ErrUnknownBackend)

	_, err = fx.runner.Start(context.Background(), SubmitRequest{WorkspaceID: "missing", Prompt: "go"})
	require.ErrorIs(t, err, workspace.ErrUnknownWorkspace)

	assert.Zero(t, adapter.spawnCount)
}

func TestSpawnSpecCarriesGracePeriod(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{{steps: completedSteps()}}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)
	waitTerminal(t, fx.runner, id)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Equal(t, time.Second, adapter.lastSpec.Grace, "adapters size their termination window from the runner's grace period")
}

func TestCancelRunningMission(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		steps: []scriptedStep{
			{events.TypeInit, events.InitPayload{SessionID: "s1", Backend: "claudecode"}},
		},
		blockCtx: true,
	}
	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{session}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "long task",
	})
	require.NoError(t, err)
	waitForState(t, fx.runner, id, StateRunning)

	state, err := fx.runner.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)

	recorded, err := fx.runner.Events(id, 1)
	require.NoError(t, err)
	last := recorded[len(recorded)-1]
	require.Equal(t, events.TypeTerminal, last.Type)
	terminal, ok := events.TerminalPayloadOf(last)
	require.True(t, ok)
	assert.Equal(t, events.TerminalCancelled, terminal.Status)
}

func TestCancelNonRunningMissionIsNoOp(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{{steps: completedSteps()}}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "quick task",
	})
	require.NoError(t, err)
	waitTerminal(t, fx.runner, id)

	state, err := fx.runner.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	// Repeating the cancel still reports the terminal state.
	state, err = fx.runner.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestCancelUnknownMission(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeAdapter{id: "claudecode"}, installedInstaller())
	_, err := fx.runner.Cancel(context.Background(), "no-such-mission")
	require.ErrorIs(t, err, ErrUnknownMission)
}

func TestMissingBinaryWithoutInstallFailsBeforeSpawn(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode"}
	installer := &fakeInstaller{installed: map[string]bool{}}
	fx := newFixture(t, adapter, installer)

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Contains(t, snapshot.Err, "not installed")
	assert.Zero(t, adapter.spawnCount, "no subprocess may be spawned for a missing binary")
	assert.Zero(t, installer.ensureCalls)
}

func TestFirstUseInstallThenRun(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "opencode", sessions: []*fakeSession{{steps: completedSteps()}}}
	installer := &fakeInstaller{installed: map[string]bool{}, onFirstUse: true}
	fx := newFixture(t, adapter, installer)

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "opencode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateCompleted, snapshot.State)
	assert.Equal(t, 1, installer.ensureCalls)
}

func TestRespawnOnceAfterFreshInstall(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		id:        "opencode",
		spawnErrs: []error{errors.New("binary momentarily unavailable")},
		sessions:  []*fakeSession{{steps: completedSteps()}},
	}
	installer := &fakeInstaller{installed: map[string]bool{}, onFirstUse: true}
	fx := newFixture(t, adapter, installer)

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "opencode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateCompleted, snapshot.State)
	assert.Equal(t, 2, adapter.spawnCount)
}

func TestSpawnFailureWithoutInstallIsNotRetried(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		id:        "claudecode",
		spawnErrs: []error{errors.New("fork/exec: permission denied")},
	}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Equal(t, 1, adapter.spawnCount)
	assert.Contains(t, snapshot.Err, ErrSpawnFailed.Error())
}

func TestWorkspaceNotReadyFailsMission(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode"}
	fx := newFixture(t, adapter, installedInstaller())
	fx.workspaces.ensureErr = workspace.ErrNotReady

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Contains(t, snapshot.Err, workspace.ErrNotReady.Error())
	assert.Zero(t, adapter.spawnCount)
}

func TestSessionEndWithoutTerminalSynthesizesFailure(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		steps: []scriptedStep{
			{events.TypeInit, events.InitPayload{SessionID: "s1", Backend: "claudecode"}},
		},
		pumpErr: harness.ErrSessionEnded,
	}
	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{session}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	snapshot := waitTerminal(t, fx.runner, id)
	assert.Equal(t, StateFailed, snapshot.State)
	assert.Equal(t, HealthSessionLost, snapshot.Health)

	recorded, err := fx.runner.Events(id, 1)
	require.NoError(t, err)
	last := recorded[len(recorded)-1]
	terminal, ok := events.TerminalPayloadOf(last)
	require.True(t, ok)
	assert.Equal(t, events.TerminalFailed, terminal.Status)
	assert.Contains(t, terminal.Detail, "terminated unexpectedly")
}

func TestSubscribeDeliversReplayAndLiveEvents(t *testing.T) {
	t.Parallel()

	steps := []scriptedStep{
		{events.TypeInit, events.InitPayload{SessionID: "s1", Backend: "claudecode"}},
		{events.TypeToolCall, events.ToolCallPayload{CallID: "c1", Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)}},
		{events.TypeToolResult, events.ToolResultPayload{CallID: "c1", Content: "main.go"}},
		{events.TypeTerminal, events.TerminalPayload{Status: events.TerminalCompleted}},
	}
	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{{steps: steps}}}
	fx := newFixture(t, adapter, installedInstaller())

	id, err := fx.runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)

	sub, err := fx.runner.Subscribe(id, 1)
	require.NoError(t, err)
	defer sub.Close()

	var got []events.Event
	deadline := time.After(3 * time.Second)
	for len(got) < len(steps) {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				require.Len(t, got, len(steps), "stream closed early: %v", sub.Err())
				break
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, steps[i].eventType, ev.Type)
	}
}

func TestLaggedSubscriberWarningGoesToRunnerLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	proceed := make(chan struct{})
	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{{steps: completedSteps(), proceed: proceed}}}
	workspaces := newFakeWorkspaces("ws1")
	registry, err := harness.NewRegistry("claudecode", adapter)
	require.NoError(t, err)
	runner, err := NewRunner(workspaces, registry, installedInstaller(),
		WithLogger(log.New(&buf)),
		WithQueueSize(1),
	)
	require.NoError(t, err)

	id, err := runner.Start(context.Background(), SubmitRequest{
		WorkspaceID: "ws1",
		Backend:     "claudecode",
		Prompt:      "task",
	})
	require.NoError(t, err)
	waitForState(t, runner, id, StateRunning)

	sub, err := runner.Subscribe(id, 1)
	require.NoError(t, err)
	defer sub.Close()
	close(proceed)

	waitTerminal(t, runner, id)
	assert.ErrorIs(t, sub.Err(), events.ErrSubscriberLagged)
	assert.Contains(t, buf.String(), "lagged subscriber", "lag warnings go to the runner's structured logger")
}

func TestListOrdersByCreation(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{id: "claudecode", sessions: []*fakeSession{
		{steps: completedSteps()},
		{steps: completedSteps()},
	}}
	fx := newFixture(t, adapter, installedInstaller())

	first, err := fx.runner.Start(context.Background(), SubmitRequest{WorkspaceID: "ws1", Prompt: "one"})
	require.NoError(t, err)
	waitTerminal(t, fx.runner, first)
	second, err := fx.runner.Start(context.Background(), SubmitRequest{WorkspaceID: "ws1", Prompt: "two"})
	require.NoError(t, err)
	waitTerminal(t, fx.runner, second)

	snapshots := fx.runner.List()
	require.Len(t, snapshots, 2)
	assert.Equal(t, first, snapshots[0].ID)
	assert.Equal(t, second, snapshots[1].ID)
}
