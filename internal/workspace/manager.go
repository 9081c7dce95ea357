package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultBootTimeout  = 15 * time.Second
	defaultBootInterval = 250 * time.Millisecond
)

// baseDirs must exist inside a container root before it is considered usable.
var baseDirs = []string{"bin", "usr", "etc", "var"}

// ManagerOption customizes manager construction.
type ManagerOption func(*Manager)

// WithBootTimeout bounds how long EnsureReady waits for a container to boot.
func WithBootTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.bootTimeout = timeout
		}
	}
}

// WithLookPath injects binary resolution for container tooling checks.
func WithLookPath(lookPath func(file string) (string, error)) ManagerOption {
	return func(m *Manager) {
		if lookPath != nil {
			m.lookPath = lookPath
		}
	}
}

// WithSleep injects the wait used while polling container boot.
func WithSleep(sleep func(time.Duration)) ManagerOption {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// Manager owns workspace registration, provisioning, readiness, and
// teardown. Provisioning and teardown of one workspace are mutually
// exclusive; steady-state execution against a ready workspace takes no lock.
type Manager struct {
	runner   CommandRunner
	logger   *log.Logger
	lookPath func(file string) (string, error)
	sleep    func(time.Duration)

	bootTimeout  time.Duration
	bootInterval time.Duration

	mu         sync.RWMutex
	workspaces map[string]*Workspace
	locks      map[string]*sync.Mutex
}

// NewManager builds a workspace manager.
func NewManager(runner CommandRunner, logger *log.Logger, options ...ManagerOption) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	manager := &Manager{
		runner:       runner,
		logger:       logger,
		lookPath:     exec.LookPath,
		sleep:        time.Sleep,
		bootTimeout:  defaultBootTimeout,
		bootInterval: defaultBootInterval,
		workspaces:   map[string]*Workspace{},
		locks:        map[string]*sync.Mutex{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(manager)
	}
	return manager, nil
}

// Register records a workspace in provisioning state.
func (m *Manager) Register(ws Workspace) (*Workspace, error) {
	if err := (&ws).validate(); err != nil {
		return nil, err
	}
	ws.State = StateProvisioning

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workspaces[ws.ID]; exists {
		return nil, fmt.Errorf("workspace %q already registered", ws.ID)
	}
	stored := ws
	m.workspaces[ws.ID] = &stored
	m.locks[ws.ID] = &sync.Mutex{}
	return snapshotOf(&stored), nil
}

// Get returns a read-only copy of one workspace.
func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrUnknownWorkspace)
	}
	return snapshotOf(ws), nil
}

// EnsureReady provisions the workspace if needed and is idempotent. For
// container workspaces the machine is started only when not already running.
func (m *Manager) EnsureReady(ctx context.Context, id string) error {
	ws, lock, err := m.lockWorkspace(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if current := m.stateOf(id); current == StateDestroying || current == StateDestroyed {
		return fmt.Errorf("workspace %q is %s: %w", id, current, ErrNotReady)
	}

	switch ws.Kind {
	case KindHost:
		if err := os.MkdirAll(ws.Root, 0o750); err != nil {
			return fmt.Errorf("provision host workspace %q: %w", id, err)
		}
	case KindContainer:
		if err := m.ensureContainerRunning(ctx, ws); err != nil {
			return err
		}
	}

	m.setState(id, StateReady)
	m.logger.With("workspace_id", id, "kind", string(ws.Kind)).Debug("workspace ready")
	return nil
}

// Teardown destroys the workspace. Running container machines are terminated.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	ws, lock, err := m.lockWorkspace(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.setState(id, StateDestroying)
	if ws.Kind == KindContainer {
		if running, _ := m.machineRunning(ctx, ws); running {
			if _, err := m.runner.Run(ctx, "machinectl", "terminate", ws.MachineName); err != nil {
				return fmt.Errorf("terminate machine %q: %w", ws.MachineName, err)
			}
		}
	}
	m.setState(id, StateDestroyed)
	m.logger.With("workspace_id", id).Info("workspace destroyed")
	return nil
}

// ExecContext returns the execution context for a ready workspace. Sessions
// and helper processes must resolve every spawn through it.
func (m *Manager) ExecContext(id string) (ExecContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrUnknownWorkspace)
	}
	if ws.State != StateReady {
		return nil, fmt.Errorf("workspace %q in state %s: %w", id, ws.State, ErrNotReady)
	}

	switch ws.Kind {
	case KindHost:
		return &hostContext{ws: snapshotOf(ws)}, nil
	case KindContainer:
		return &containerContext{ws: snapshotOf(ws), runner: m.runner, lookPath: m.lookPath}, nil
	default:
		return nil, fmt.Errorf("unsupported workspace kind %q", ws.Kind)
	}
}

// RunTool executes one side-channel helper invocation through the
// workspace's execution context, so container-destined helpers observe the
// container's filesystem rather than the host's.
func (m *Manager) RunTool(ctx context.Context, id string, inv Invocation) ([]byte, error) {
	execCtx, err := m.ExecContext(id)
	if err != nil {
		return nil, err
	}
	cmd, err := execCtx.Resolve(ctx, inv)
	if err != nil {
		return nil, err
	}
	return m.runner.Run(ctx, cmd.Name, cmd.Args...)
}

func (m *Manager) ensureContainerRunning(ctx context.Context, ws *Workspace) error {
	if _, err := m.lookPath("machinectl"); err != nil {
		return &ContainerUnavailableError{
			Tool:   "machinectl",
			Reason: "not found on PATH. Install systemd-container on the host",
		}
	}
	if !containerRootUsable(ws.Root) {
		return fmt.Errorf("container root %q missing base directories (%s): %w",
			ws.Root, strings.Join(baseDirs, ", "), ErrNotReady)
	}

	if running, err := m.machineRunning(ctx, ws); err == nil && running {
		return nil
	}

	if _, err := m.lookPath("systemd-nspawn"); err != nil {
		return &ContainerUnavailableError{
			Tool:   "systemd-nspawn",
			Reason: "not found on PATH. Install systemd-container on the host",
		}
	}

	args := []string{
		"--boot",
		"--directory", ws.Root,
		"--machine", ws.MachineName,
		"--quiet",
		"--register=no",
		"--keep-unit",
	}
	pid, err := m.runner.Start(ctx, "systemd-nspawn", args...)
	if err != nil {
		return &ContainerUnavailableError{Tool: "systemd-nspawn", Reason: err.Error()}
	}
	m.logger.With("workspace_id", ws.ID, "machine", ws.MachineName, "pid", pid).Info("booting container")

	deadline := time.Now().Add(m.bootTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if running, err := m.machineRunning(ctx, ws); err == nil && running {
			return nil
		}
		m.sleep(m.bootInterval)
	}
	return &ContainerUnavailableError{
		Tool:   "systemd-nspawn",
		Reason: fmt.Sprintf("machine %q did not become ready within %s", ws.MachineName, m.bootTimeout),
	}
}

func (m *Manager) machineRunning(ctx context.Context, ws *Workspace) (bool, error) {
	probe := &containerContext{ws: ws, runner: m.runner, lookPath: m.lookPath}
	leader, err := probe.leaderPID(ctx)
	if err != nil {
		return false, err
	}
	return leader > 0, nil
}

func (m *Manager) lockWorkspace(id string) (*Workspace, *sync.Mutex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[strings.TrimSpace(id)]
	if !ok {
		return nil, nil, fmt.Errorf("workspace %q: %w", id, ErrUnknownWorkspace)
	}
	return snapshotOf(ws), m.locks[ws.ID], nil
}

func (m *Manager) setState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[id]; ok {
		ws.State = state
	}
}

func (m *Manager) stateOf(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ws, ok := m.workspaces[id]; ok {
		return ws.State
	}
	return ""
}

func containerRootUsable(root string) bool {
	for _, dir := range baseDirs {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func snapshotOf(ws *Workspace) *Workspace {
	copied := *ws
	if ws.Env != nil {
		copied.Env = make(map[string]string, len(ws.Env))
		for key, value := range ws.Env {
			copied.Env[key] = value
		}
	}
	if ws.Binds != nil {
		copied.Binds = append([]Bind(nil), ws.Binds...)
	}
	return &copied
}
