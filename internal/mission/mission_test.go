package mission

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{StatePending, StateProvisioning},
		{StateProvisioning, StateRunning},
		{StateProvisioning, StateFailed},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
	}
	for _, tc := range allowed {
		m := &Mission{ID: "m1", State: tc.from}
		require.NoError(t, m.transition(tc.to, "test", time.Now()), "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, m.State)
	}

	rejected := []struct{ from, to State }{
		{StatePending, StateRunning},
		{StatePending, StateCompleted},
		{StateProvisioning, StateCancelled},
		{StateRunning, StatePending},
		{StateCompleted, StateRunning},
		{StateFailed, StateRunning},
		{StateCancelled, StateProvisioning},
		{StateCompleted, StateFailed},
	}
	for _, tc := range rejected {
		m := &Mission{ID: "m1", State: tc.from}
		err := m.transition(tc.to, "test", time.Now())
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		var illegal *IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
		assert.Equal(t, tc.from, m.State, "state must not change on rejection")
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProvisioning.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestTransitionRecordsHistory(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m := &Mission{ID: "m1", State: StatePending}
	require.NoError(t, m.transition(StateProvisioning, "provision workspace", at))
	require.NoError(t, m.transition(StateRunning, "session started", at.Add(time.Second)))

	require.Len(t, m.History, 2)
	assert.Equal(t, StatePending, m.History[0].FromState)
	assert.Equal(t, StateProvisioning, m.History[0].ToState)
	assert.Equal(t, "provision workspace", m.History[0].Reason)
	assert.Equal(t, at, m.History[0].Timestamp)
	assert.Equal(t, StateRunning, m.History[1].ToState)
}

func TestHealthAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	m := &Mission{State: StateRunning, LastActivityAt: now.Add(-time.Second)}
	assert.Equal(t, HealthOK, m.healthAt(now))

	m.LastActivityAt = now.Add(-degradedAfter - time.Second)
	assert.Equal(t, HealthDegraded, m.healthAt(now))

	// Only running missions go stale.
	m.State = StateCompleted
	assert.Equal(t, HealthOK, m.healthAt(now))

	// A lost session stays lost regardless of activity.
	m.State = StateRunning
	m.Health = HealthSessionLost
	m.LastActivityAt = now
	assert.Equal(t, HealthSessionLost, m.healthAt(now))

	// A mission that never produced an event is not degraded.
	fresh := &Mission{State: StateRunning}
	assert.Equal(t, HealthOK, fresh.healthAt(now))
}

func TestIllegalTransitionErrorIdentity(t *testing.T) {
	t.Parallel()

	err := &IllegalTransitionError{MissionID: "m1", FromState: StateCompleted, ToState: StateRunning}
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
	assert.Contains(t, err.Error(), `from "completed" to "running"`)
}
