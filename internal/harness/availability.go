package harness

import (
	"os/exec"
)

// Availability captures which harness and container tools are present on PATH.
type Availability struct {
	ClaudeCode bool
	OpenCode   bool
	Nsenter    bool
	Nspawn     bool
	Machinectl bool
}

// AvailableBackends returns installed harness backend ids in deterministic order.
func (a Availability) AvailableBackends() []string {
	backends := make([]string, 0, 2)
	if a.ClaudeCode {
		backends = append(backends, BackendClaudeCode)
	}
	if a.OpenCode {
		backends = append(backends, BackendOpenCode)
	}
	return backends
}

// ContainerTooling reports whether container workspaces can be served.
func (a Availability) ContainerTooling() bool {
	return a.Machinectl && (a.Nsenter || a.Nspawn)
}

// Prober answers binary availability questions with an injectable PATH lookup.
type Prober struct {
	lookPath func(file string) (string, error)
}

// NewProber builds a prober backed by exec.LookPath.
func NewProber() *Prober {
	return &Prober{lookPath: exec.LookPath}
}

// NewProberWithLookPath builds a prober with injected binary resolution.
func NewProberWithLookPath(lookPath func(file string) (string, error)) *Prober {
	if lookPath == nil {
		return NewProber()
	}
	return &Prober{lookPath: lookPath}
}

// Installed reports whether one binary resolves on PATH.
func (p *Prober) Installed(binary string) bool {
	_, err := p.lookPath(binary)
	return err == nil
}

// Detect probes every tool the engine may need.
func (p *Prober) Detect() Availability {
	return Availability{
		ClaudeCode: p.Installed("claude"),
		OpenCode:   p.Installed("opencode"),
		Nsenter:    p.Installed("nsenter"),
		Nspawn:     p.Installed("systemd-nspawn"),
		Machinectl: p.Installed("machinectl"),
	}
}
