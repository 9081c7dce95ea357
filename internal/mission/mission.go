// Package mission owns the mission lifecycle: a deterministic state machine
// driving one agent session against one workspace, with every observable
// step recorded in the mission's event log.
package mission

import (
	"fmt"
	"strings"
	"time"
)

// State is a mission lifecycle state.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Health classifies a mission's liveness independent of its state.
type Health string

const (
	// HealthOK means the session is progressing (or the mission ended cleanly).
	HealthOK Health = "ok"
	// HealthDegraded means a running session has produced no events recently.
	HealthDegraded Health = "degraded"
	// HealthSessionLost means the harness process disappeared mid-session.
	HealthSessionLost Health = "session-lost"
)

// degradedAfter is how long a running mission may stay silent before its
// snapshot reports degraded health.
const degradedAfter = 2 * time.Minute

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateProvisioning: {},
	},
	StateProvisioning: {
		StateRunning: {},
		StateFailed:  {},
	},
	StateRunning: {
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	},
}

func isAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IllegalTransitionError is returned for a disallowed lifecycle transition.
type IllegalTransitionError struct {
	MissionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for mission lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition mission %q from %q to %q: %s",
		e.MissionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mission holds the mutable lifecycle data for one submitted mission.
// Access is guarded by the owning runner.
type Mission struct {
	ID          string
	WorkspaceID string
	Backend     string
	SessionID   string
	Agent       string
	Model       string
	Prompt      string

	State          State
	Health         Health
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	LastActivityAt time.Time
	Err            string

	CostUSD    float64
	DurationMS int64
	NumTurns   int

	History []TransitionRecord
}

// transition validates and applies one state change.
func (m *Mission) transition(to State, reason string, at time.Time) error {
	if !isAllowed(m.State, to) {
		return &IllegalTransitionError{
			MissionID: m.ID,
			FromState: m.State,
			ToState:   to,
			Reason:    "illegal transition for mission lifecycle",
		}
	}
	m.History = append(m.History, TransitionRecord{
		FromState: m.State,
		ToState:   to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: at.UTC(),
	})
	m.State = to
	return nil
}

// Snapshot is a read-only copy of mission status. It is also the wire form
// the CLI persists and prints for status queries.
type Snapshot struct {
	ID             string             `json:"id"`
	WorkspaceID    string             `json:"workspace_id"`
	Backend        string             `json:"backend"`
	SessionID      string             `json:"session_id"`
	State          State              `json:"state"`
	Health         Health             `json:"health"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      time.Time          `json:"started_at,omitempty"`
	EndedAt        time.Time          `json:"ended_at,omitempty"`
	LastActivityAt time.Time          `json:"last_activity_at,omitempty"`
	LastSequence   uint64             `json:"last_sequence"`
	Err            string             `json:"error,omitempty"`
	CostUSD        float64            `json:"cost_usd,omitempty"`
	DurationMS     int64              `json:"duration_ms,omitempty"`
	NumTurns       int                `json:"num_turns,omitempty"`
	History        []TransitionRecord `json:"history,omitempty"`
}

// healthAt reports the mission's liveness as observed at the given time.
func (m *Mission) healthAt(now time.Time) Health {
	if m.Health != "" && m.Health != HealthOK {
		return m.Health
	}
	if m.State == StateRunning && !m.LastActivityAt.IsZero() && now.Sub(m.LastActivityAt) > degradedAfter {
		return HealthDegraded
	}
	return HealthOK
}

func (m *Mission) snapshot(lastSeq uint64, now time.Time) Snapshot {
	history := make([]TransitionRecord, len(m.History))
	copy(history, m.History)
	return Snapshot{
		ID:             m.ID,
		WorkspaceID:    m.WorkspaceID,
		Backend:        m.Backend,
		SessionID:      m.SessionID,
		State:          m.State,
		Health:         m.healthAt(now),
		CreatedAt:      m.CreatedAt,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		LastActivityAt: m.LastActivityAt,
		LastSequence:   lastSeq,
		Err:            m.Err,
		CostUSD:        m.CostUSD,
		DurationMS:     m.DurationMS,
		NumTurns:       m.NumTurns,
		History:        history,
	}
}
