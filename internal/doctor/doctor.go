// Package doctor runs deterministic health checks: are the agent CLIs and
// container tooling installed, is the environment writable, and are any
// running missions stalled without event progress.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/sandboxed-sh/helmsman/internal/mission"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultStalledTimeout    = 5 * time.Minute
)

// MissionLister exposes the mission snapshots Doctor inspects.
type MissionLister interface {
	List() []mission.Snapshot
}

// Prober detects installed host tooling.
type Prober interface {
	Detect() harness.Availability
}

// Config controls Doctor heartbeat cadence and the stalled threshold.
type Config struct {
	HeartbeatInterval time.Duration
	StalledTimeout    time.Duration
}

// Check is one named environment check result.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport is produced on every Doctor heartbeat.
type HealthReport struct {
	Checks          []Check   `json:"checks"`
	RunningMissions int       `json:"running_missions"`
	StalledMissions int       `json:"stalled_missions"`
	DoctorHeartbeat time.Time `json:"doctor_heartbeat"`
}

// Healthy reports whether every environment check passed.
func (r HealthReport) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

// Manager executes health checks on a periodic ticker.
type Manager struct {
	missions          MissionLister
	prober            Prober
	logger            *log.Logger
	heartbeatInterval time.Duration
	stalledTimeout    time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
	logDir            string

	// lastSequence tracks per-mission event progress between heartbeats so
	// a running mission with a frozen log counts as stalled.
	lastSequence map[string]uint64
	lastSeenAt   map[string]time.Time
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(missions MissionLister, prober Prober, logger *log.Logger, cfg Config) (*Manager, error) {
	if missions == nil {
		return nil, errors.New("mission lister is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StalledTimeout <= 0 {
		cfg.StalledTimeout = defaultStalledTimeout
	}

	logDir := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		logDir = filepath.Join(homeDir, ".helmsman", "logs")
	}

	return &Manager{
		missions:          missions,
		prober:            prober,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		stalledTimeout:    cfg.StalledTimeout,
		now:               time.Now,
		newTicker:         time.NewTicker,
		logDir:            logDir,
		lastSequence:      map[string]uint64{},
		lastSeenAt:        map[string]time.Time{},
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.RunOnce(ctx)
			if err != nil {
				m.logger.With("error", err).Error("doctor heartbeat failed")
				continue
			}
			if !report.Healthy() || report.StalledMissions > 0 {
				m.logger.With(
					"stalled_missions", report.StalledMissions,
					"running_missions", report.RunningMissions,
				).Warn("doctor detected problems")
			}
		}
	}
}

// RunOnce executes one deterministic health check cycle.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}
	if err := ctx.Err(); err != nil {
		return HealthReport{}, err
	}

	now := m.now().UTC()
	report := HealthReport{
		Checks:          m.environmentChecks(),
		DoctorHeartbeat: now,
	}

	running, stalled := m.sweepMissions(now)
	report.RunningMissions = running
	report.StalledMissions = stalled

	return report, nil
}

func (m *Manager) environmentChecks() []Check {
	availability := m.prober.Detect()

	checks := []Check{
		toolCheck("claude installed", availability.ClaudeCode, "install with: npm install -g @anthropic-ai/claude-code"),
		toolCheck("opencode installed", availability.OpenCode, "install with: curl -fsSL https://opencode.ai/install | bash"),
		toolCheck("nsenter available", availability.Nsenter, "part of util-linux"),
		toolCheck("systemd-nspawn available", availability.Nspawn, "install systemd-container on the host"),
		toolCheck("machinectl available", availability.Machinectl, "install systemd-container on the host"),
	}
	checks = append(checks, m.logDirCheck())
	return checks
}

func (m *Manager) logDirCheck() Check {
	check := Check{Name: "log directory writable", OK: true}
	if m.logDir == "" {
		check.OK = false
		check.Detail = "home directory could not be resolved"
		return check
	}
	if err := os.MkdirAll(m.logDir, 0o750); err != nil {
		check.OK = false
		check.Detail = err.Error()
		return check
	}
	probe := filepath.Join(m.logDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		check.OK = false
		check.Detail = err.Error()
		return check
	}
	_ = os.Remove(probe)
	return check
}

func toolCheck(name string, ok bool, hint string) Check {
	check := Check{Name: name, OK: ok}
	if !ok {
		check.Detail = hint
	}
	return check
}

// sweepMissions counts running missions and flags the ones whose event log
// has not advanced within the stalled timeout.
func (m *Manager) sweepMissions(now time.Time) (int, int) {
	running := 0
	stalled := 0

	seen := map[string]struct{}{}
	for _, snapshot := range m.missions.List() {
		if snapshot.State != mission.StateRunning {
			continue
		}
		running++
		seen[snapshot.ID] = struct{}{}

		last, known := m.lastSequence[snapshot.ID]
		if !known || snapshot.LastSequence != last {
			m.lastSequence[snapshot.ID] = snapshot.LastSequence
			m.lastSeenAt[snapshot.ID] = now
			continue
		}
		if now.Sub(m.lastSeenAt[snapshot.ID]) > m.stalledTimeout {
			stalled++
			m.logger.With(
				"mission_id", snapshot.ID,
				"last_sequence", fmt.Sprintf("%d", snapshot.LastSequence),
			).Warn("mission stalled: no event progress")
		}
	}

	// Forget missions that are no longer running.
	for id := range m.lastSequence {
		if _, ok := seen[id]; !ok {
			delete(m.lastSequence, id)
			delete(m.lastSeenAt, id)
		}
	}

	return running, stalled
}
