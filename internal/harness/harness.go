package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/workspace"
)

// Backend identifiers.
const (
	BackendClaudeCode = "claudecode"
	BackendOpenCode   = "opencode"
)

// ErrUnknownBackend is returned for backend ids with no registered adapter.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrSessionEnded reports a harness process that exited without producing a
// terminal event. The mission owning the session maps this to a failure.
var ErrSessionEnded = errors.New("session terminated unexpectedly")

// NotInstalledError reports a missing harness CLI binary. It is recoverable
// through the bootstrap installer.
type NotInstalledError struct {
	Backend string
	Binary  string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("harness %q is not installed: binary %q not found on PATH", e.Backend, e.Binary)
}

// Is enables errors.Is checks for missing-harness failures.
func (e *NotInstalledError) Is(target error) bool {
	_, ok := target.(*NotInstalledError)
	return ok
}

// ParseError reports a fatal wire-protocol failure: the terminal line of a
// session could not be decoded. Non-terminal decode failures are surfaced as
// adapter_error events instead.
type ParseError struct {
	Backend string
	Line    string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s protocol parse error: %v", e.Backend, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Spec describes one harness invocation for one mission.
type Spec struct {
	MissionID string
	SessionID string
	Agent     string
	Model     string
	Prompt    string
	Dir       string
	Env       map[string]string
	// Grace bounds graceful shutdown: the process receives SIGTERM first
	// and is killed only after Grace elapses. Zero selects the adapter
	// default.
	Grace time.Duration
}

// EmitFunc receives canonical events in arrival order. An error from the
// sink aborts the pump.
type EmitFunc func(eventType events.Type, payload any) error

// Session is the live handle to one running harness process: its pipes, its
// parser state, and termination control. At most one live session exists per
// mission; a session is not restartable.
type Session interface {
	// ID returns the correlation token passed to the harness.
	ID() string
	// Pump translates harness output into canonical events until the process
	// exits or a terminal event is produced. It returns ErrSessionEnded when
	// the stream ends without a terminal event, the context error when
	// cancelled, and a *ParseError when the terminal line is undecodable.
	// Resources are released on every exit path.
	Pump(ctx context.Context, emit EmitFunc) error
	// Terminate signals the process and kills it after the grace period.
	Terminate(grace time.Duration) error
}

// Adapter launches one backend's CLI inside an execution context and
// translates its wire protocol into canonical events.
type Adapter interface {
	ID() string
	// Binary is the CLI the adapter spawns, used for availability probing
	// and bootstrap installation.
	Binary() string
	Spawn(ctx context.Context, execCtx workspace.ExecContext, spec Spec) (Session, error)
}

// Registry resolves adapters by backend id, falling back to a default.
type Registry struct {
	defaultID string
	adapters  map[string]Adapter
}

// NewRegistry builds a registry. The default id must name one of the
// registered adapters.
func NewRegistry(defaultID string, adapters ...Adapter) (*Registry, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one adapter is required")
	}

	registered := make(map[string]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("adapter must not be nil")
		}
		id := strings.ToLower(strings.TrimSpace(adapter.ID()))
		if id == "" {
			return nil, errors.New("adapter id must not be empty")
		}
		if _, exists := registered[id]; exists {
			return nil, fmt.Errorf("duplicate adapter id %q", id)
		}
		registered[id] = adapter
	}

	defaultID = strings.ToLower(strings.TrimSpace(defaultID))
	if defaultID == "" {
		return nil, errors.New("default backend id is required")
	}
	if _, ok := registered[defaultID]; !ok {
		return nil, fmt.Errorf("default backend %q has no registered adapter", defaultID)
	}

	return &Registry{defaultID: defaultID, adapters: registered}, nil
}

// Resolve returns the adapter for a backend id; an empty id selects the
// default backend.
func (r *Registry) Resolve(id string) (Adapter, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if normalized == "" {
		normalized = r.defaultID
	}
	adapter, ok := r.adapters[normalized]
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", normalized, ErrUnknownBackend)
	}
	return adapter, nil
}

// DefaultID returns the configured default backend id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// IDs returns registered backend ids in deterministic order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
