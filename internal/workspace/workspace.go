package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the isolation strategy for a workspace.
type Kind string

const (
	// KindHost runs processes directly on the host, rooted at the workspace path.
	KindHost Kind = "host"
	// KindContainer runs processes inside a systemd-nspawn machine's namespaces.
	KindContainer Kind = "container"
)

// State is the provisioning lifecycle of a workspace.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
)

// Bind is one bind-mount applied when entering a container workspace.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Workspace is an isolated filesystem/environment missions execute within.
// It is not owned by any single mission; provisioning and teardown are
// serialized per workspace while steady-state execution is concurrent.
type Workspace struct {
	ID          string
	Kind        Kind
	Root        string
	MachineName string
	Env         map[string]string
	Binds       []Bind
	State       State
}

// ErrNotReady is returned when a session targets a workspace that has not
// reached the ready state.
var ErrNotReady = errors.New("workspace is not ready")

// ErrUnknownWorkspace is returned for workspace ids with no registration.
var ErrUnknownWorkspace = errors.New("unknown workspace")

// ContainerUnavailableError reports missing namespace tooling or insufficient
// privilege. It is fatal for the operation and never retried.
type ContainerUnavailableError struct {
	Tool   string
	Reason string
}

func (e *ContainerUnavailableError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		return fmt.Sprintf("container tooling unavailable: %s", e.Tool)
	}
	return fmt.Sprintf("container tooling unavailable: %s: %s", e.Tool, reason)
}

// Is enables errors.Is checks for container availability failures.
func (e *ContainerUnavailableError) Is(target error) bool {
	_, ok := target.(*ContainerUnavailableError)
	return ok
}

func (w *Workspace) validate() error {
	if w == nil {
		return errors.New("workspace is nil")
	}
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(w.Root) == "" {
		return errors.New("workspace root is required")
	}
	switch w.Kind {
	case KindHost:
	case KindContainer:
		if strings.TrimSpace(w.MachineName) == "" {
			return errors.New("container workspace requires a machine name")
		}
	default:
		return fmt.Errorf("unsupported workspace kind %q", w.Kind)
	}
	return nil
}
