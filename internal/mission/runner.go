package mission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/sandboxed-sh/helmsman/internal/telemetry"
	"github.com/sandboxed-sh/helmsman/internal/workspace"
)

const defaultGracePeriod = 5 * time.Second

// cancelSlack pads the grace period when waiting for a cancelled mission to
// finish tearing down its session.
const cancelSlack = 2 * time.Second

// WorkspaceProvider supplies workspaces and their execution contexts.
type WorkspaceProvider interface {
	Get(id string) (*workspace.Workspace, error)
	EnsureReady(ctx context.Context, id string) error
	ExecContext(id string) (workspace.ExecContext, error)
}

// Installer provisions agent binaries when the policy allows it.
type Installer interface {
	Installed(backend string) bool
	OnFirstUse() bool
	Ensure(ctx context.Context, backend string) error
}

// SubmitRequest describes a mission to start.
type SubmitRequest struct {
	WorkspaceID string
	Backend     string
	Agent       string
	Model       string
	Prompt      string
	SessionID   string
}

// Option configures Runner construction.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer used for mission execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithNow overrides the time source, primarily for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides mission id generation, primarily for tests.
func WithIDGenerator(newID func() string) Option {
	return func(r *Runner) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithGracePeriod bounds how long Cancel waits for session teardown.
func WithGracePeriod(grace time.Duration) Option {
	return func(r *Runner) {
		if grace > 0 {
			r.grace = grace
		}
	}
}

// WithQueueSize sets the per-subscriber event queue size for mission logs.
func WithQueueSize(size int) Option {
	return func(r *Runner) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// Runner starts missions and supervises their sessions to a terminal state.
type Runner struct {
	workspaces WorkspaceProvider
	registry   *harness.Registry
	installer  Installer
	logger     *log.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	grace      time.Duration
	queueSize  int

	mu       sync.Mutex
	missions map[string]*missionRun
}

type missionRun struct {
	mu      sync.Mutex
	mission *Mission
	log     *events.Log
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner builds a mission runner.
func NewRunner(workspaces WorkspaceProvider, registry *harness.Registry, installer Installer, options ...Option) (*Runner, error) {
	if workspaces == nil {
		return nil, errors.New("workspace provider is required")
	}
	if registry == nil {
		return nil, errors.New("harness registry is required")
	}
	if installer == nil {
		return nil, errors.New("installer is required")
	}
	runner := &Runner{
		workspaces: workspaces,
		registry:   registry,
		installer:  installer,
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("helmsman/mission"),
		now:        time.Now,
		newID:      uuid.NewString,
		grace:      defaultGracePeriod,
		queueSize:  events.DefaultQueueSize,
		missions:   map[string]*missionRun{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(runner)
	}
	return runner, nil
}

// Start validates the request, registers a new mission, and begins executing
// it in the background. The returned id is usable immediately for Status,
// Subscribe, and Cancel.
func (r *Runner) Start(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}
	adapter, err := r.registry.Resolve(req.Backend)
	if err != nil {
		return "", err
	}
	ws, err := r.workspaces.Get(req.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %q: %w", req.WorkspaceID, err)
	}

	missionID := r.newID()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = missionID
	}

	run := &missionRun{
		mission: &Mission{
			ID:          missionID,
			WorkspaceID: ws.ID,
			Backend:     adapter.ID(),
			SessionID:   sessionID,
			Agent:       strings.TrimSpace(req.Agent),
			Model:       strings.TrimSpace(req.Model),
			Prompt:      req.Prompt,
			State:       StatePending,
			CreatedAt:   r.now().UTC(),
		},
		log:  events.NewLog(missionID, events.WithQueueSize(r.queueSize), events.WithLogger(r.logger)),
		done: make(chan struct{}),
	}

	// The mission outlives the submitting call; keep trace context but
	// detach from the caller's cancellation.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel

	r.mu.Lock()
	r.missions[missionID] = run
	r.mu.Unlock()

	go r.execute(runCtx, run, adapter, ws)

	return missionID, nil
}

func (r *Runner) execute(ctx context.Context, run *missionRun, adapter harness.Adapter, ws *workspace.Workspace) {
	defer close(run.done)
	defer run.cancel()

	logger := r.logger.With(
		"mission_id", run.mission.ID,
		"workspace_id", ws.ID,
		"backend", adapter.ID(),
	)

	ctx, span := r.tracer.Start(ctx, "mission.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("mission_id", run.mission.ID),
		attribute.String("workspace_id", ws.ID),
		attribute.String("backend", adapter.ID()),
	)

	r.transition(run, logger, StateProvisioning, "provision workspace")

	if err := r.workspaces.EnsureReady(ctx, ws.ID); err != nil {
		r.fail(run, span, logger, fmt.Errorf("workspace %s: %w", ws.ID, err))
		return
	}

	installedNow := false
	if !r.installer.Installed(adapter.ID()) {
		if !r.installer.OnFirstUse() {
			r.fail(run, span, logger, &harness.NotInstalledError{
				Backend: adapter.ID(),
				Binary:  adapter.Binary(),
			})
			return
		}
		if err := r.installer.Ensure(ctx, adapter.ID()); err != nil {
			r.fail(run, span, logger, err)
			return
		}
		installedNow = true
	}

	execCtx, err := r.workspaces.ExecContext(ws.ID)
	if err != nil {
		r.fail(run, span, logger, fmt.Errorf("workspace %s: %w", ws.ID, err))
		return
	}

	spec := harness.Spec{
		MissionID: run.mission.ID,
		SessionID: run.mission.SessionID,
		Agent:     run.mission.Agent,
		Model:     run.mission.Model,
		Prompt:    run.mission.Prompt,
		Grace:     r.grace,
	}
	session, err := adapter.Spawn(ctx, execCtx, spec)
	if err != nil && installedNow {
		logger.With("error", err).Warn("respawning session after fresh install")
		session, err = adapter.Spawn(ctx, execCtx, spec)
	}
	if err != nil {
		r.fail(run, span, logger, errors.Join(ErrSpawnFailed, err))
		return
	}

	run.mu.Lock()
	run.mission.StartedAt = r.now().UTC()
	run.mu.Unlock()
	r.transition(run, logger, StateRunning, "session started")
	logger.Info("mission running", "session_id", session.ID())

	ctx, call := telemetry.StartSession(ctx, telemetry.SessionRequest{
		MissionID: run.mission.ID,
		Backend:   adapter.ID(),
		Model:     run.mission.Model,
		Prompt:    run.mission.Prompt,
	})

	var terminal *events.TerminalPayload
	emit := func(eventType events.Type, payload any) error {
		ev, appendErr := run.log.Append(eventType, payload)
		if appendErr != nil {
			return appendErr
		}
		run.mu.Lock()
		run.mission.LastActivityAt = r.now().UTC()
		run.mu.Unlock()
		if eventType == events.TypeToolCall {
			if tc, ok := ev.Payload.(events.ToolCallPayload); ok {
				call.RecordToolCall(tc.Name)
			}
		}
		if tp, ok := events.TerminalPayloadOf(ev); ok {
			terminal = &tp
		}
		return nil
	}

	pumpErr := session.Pump(ctx, emit)
	if terminal != nil {
		call.End(string(terminal.Status), terminal.CostUSD, terminal.NumTurns, nil)
	} else {
		call.End("aborted", 0, 0, pumpErr)
	}

	var parseErr *harness.ParseError
	switch {
	case pumpErr == nil && terminal != nil:
		r.finishFromTerminal(run, span, logger, terminal)
	case pumpErr == nil:
		r.finishSynthetic(run, span, logger, events.TerminalFailed, "session ended without a terminal event")
	case ctx.Err() != nil:
		r.finishSynthetic(run, span, logger, events.TerminalCancelled, "mission cancelled")
	case errors.Is(pumpErr, harness.ErrSessionEnded):
		run.mu.Lock()
		run.mission.Health = HealthSessionLost
		run.mu.Unlock()
		r.finishSynthetic(run, span, logger, events.TerminalFailed, fmt.Sprintf("session terminated unexpectedly: %v", pumpErr))
	case errors.As(pumpErr, &parseErr):
		r.finishSynthetic(run, span, logger, events.TerminalFailed, parseErr.Error())
	default:
		r.finishSynthetic(run, span, logger, events.TerminalFailed, pumpErr.Error())
	}
}

// finishFromTerminal applies the wire-provided terminal event.
func (r *Runner) finishFromTerminal(run *missionRun, span trace.Span, logger *log.Logger, terminal *events.TerminalPayload) {
	var to State
	switch terminal.Status {
	case events.TerminalCompleted:
		to = StateCompleted
	case events.TerminalCancelled:
		to = StateCancelled
	default:
		to = StateFailed
	}

	run.mu.Lock()
	run.mission.EndedAt = r.now().UTC()
	run.mission.CostUSD = terminal.CostUSD
	run.mission.DurationMS = terminal.DurationMS
	run.mission.NumTurns = terminal.NumTurns
	if to == StateFailed {
		run.mission.Err = terminal.Detail
	}
	run.mu.Unlock()

	r.transition(run, logger, to, "terminal event: "+string(terminal.Status))
	if to == StateFailed {
		span.SetStatus(codes.Error, terminal.Detail)
		logger.Error("mission failed", "detail", terminal.Detail)
		return
	}
	span.SetStatus(codes.Ok, "mission reached terminal state")
	logger.Info("mission finished", "state", string(to))
}

// finishSynthetic closes the event log with a runner-authored terminal event
// for sessions that ended without one, then applies the matching state.
func (r *Runner) finishSynthetic(run *missionRun, span trace.Span, logger *log.Logger, status events.TerminalStatus, detail string) {
	if !run.log.Closed() {
		if _, err := run.log.Append(events.TypeTerminal, events.TerminalPayload{Status: status, Detail: detail}); err != nil {
			logger.With("error", err).Warn("appending synthetic terminal event")
		}
	}

	to := StateFailed
	if status == events.TerminalCancelled {
		to = StateCancelled
	}

	run.mu.Lock()
	run.mission.EndedAt = r.now().UTC()
	if to == StateFailed {
		run.mission.Err = detail
	}
	run.mu.Unlock()

	r.transition(run, logger, to, detail)
	if to == StateFailed {
		span.SetStatus(codes.Error, detail)
		logger.Error("mission failed", "detail", detail)
		return
	}
	span.SetStatus(codes.Ok, "mission cancelled")
	logger.Info("mission cancelled")
}

// fail ends a mission that never reached a running session.
func (r *Runner) fail(run *missionRun, span trace.Span, logger *log.Logger, err error) {
	if !run.log.Closed() {
		if _, appendErr := run.log.Append(events.TypeTerminal, events.TerminalPayload{
			Status: events.TerminalFailed,
			Detail: err.Error(),
		}); appendErr != nil {
			logger.With("error", appendErr).Warn("appending failure terminal event")
		}
	}

	run.mu.Lock()
	run.mission.Err = err.Error()
	run.mission.EndedAt = r.now().UTC()
	run.mu.Unlock()

	r.transition(run, logger, StateFailed, err.Error())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("mission failed", "error", err)
}

func (r *Runner) transition(run *missionRun, logger *log.Logger, to State, reason string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	from := run.mission.State
	if err := run.mission.transition(to, reason, r.now()); err != nil {
		logger.With("error", err).Error("mission transition rejected")
		return
	}
	logger.Info("mission transition", "from", string(from), "to", string(to))
}

// Cancel stops a running mission and waits for its session to wind down.
// Cancelling a mission that is not running is a no-op reporting its state.
func (r *Runner) Cancel(ctx context.Context, id string) (State, error) {
	run, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	run.mu.Lock()
	current := run.mission.State
	run.mu.Unlock()
	if current != StateRunning {
		return current, nil
	}

	run.cancel()

	select {
	case <-run.done:
	case <-time.After(r.grace + cancelSlack):
		return StateRunning, fmt.Errorf("mission %s did not stop within %s", id, r.grace+cancelSlack)
	case <-ctx.Done():
		return StateRunning, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.mission.State, nil
}

// Status returns a point-in-time snapshot of the mission.
func (r *Runner) Status(id string) (Snapshot, error) {
	run, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.mission.snapshot(run.log.LastSequence(), r.now()), nil
}

// Subscribe attaches a live subscriber to the mission's event log starting
// at fromSeq (exclusive of already-delivered history before it).
func (r *Runner) Subscribe(id string, fromSeq uint64) (*events.Subscription, error) {
	run, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return run.log.Subscribe(fromSeq), nil
}

// Events returns the recorded events with sequence >= fromSeq.
func (r *Runner) Events(id string, fromSeq uint64) ([]events.Event, error) {
	run, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return run.log.EventsFrom(fromSeq), nil
}

// List returns snapshots of all known missions ordered by creation time.
func (r *Runner) List() []Snapshot {
	r.mu.Lock()
	runs := make([]*missionRun, 0, len(r.missions))
	for _, run := range r.missions {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		run.mu.Lock()
		snapshots = append(snapshots, run.mission.snapshot(run.log.LastSequence(), r.now()))
		run.mu.Unlock()
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Wait blocks until the mission reaches a terminal state or ctx expires.
func (r *Runner) Wait(ctx context.Context, id string) (Snapshot, error) {
	run, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.mission.snapshot(run.log.LastSequence(), r.now()), nil
}

func (r *Runner) lookup(id string) (*missionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.missions[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("mission %q: %w", id, ErrUnknownMission)
	}
	return run, nil
}
