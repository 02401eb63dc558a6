package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyMachine(t *testing.T) *StateMachine {
	m := NewStateMachine()
	require.NoError(t, m.Transition(StateIndexing))
	require.NoError(t, m.Transition(StateReady))
	return m
}

func TestStateMachine_RejectsIllegalTransitions(t *testing.T) {
	m := NewStateMachine()
	assert.Error(t, m.Transition(StateReady))
	assert.Error(t, m.Transition(StateServing))
	assert.Equal(t, StateUnstarted, m.State())

	require.NoError(t, m.Transition(StateIndexing))
	require.NoError(t, m.Transition(StateStopped))
	assert.Error(t, m.Transition(StateIndexing), "stopped is terminal")
}

func TestStateMachine_ServingTogglesWithSessions(t *testing.T) {
	m := readyMachine(t)

	require.NoError(t, m.SessionOpened())
	assert.Equal(t, StateServing, m.State())
	require.NoError(t, m.SessionOpened())
	assert.Equal(t, 2, m.ActiveSessions())

	m.SessionClosed()
	assert.Equal(t, StateServing, m.State())
	m.SessionClosed()
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestStateMachine_SessionsDuringIndexingServeOnceReady(t *testing.T) {
	m := NewStateMachine()
	events := m.Subscribe()
	require.NoError(t, m.Transition(StateIndexing))
	require.NoError(t, m.SessionOpened())
	assert.Equal(t, StateIndexing, m.State())
	assert.Equal(t, 1, m.ActiveSessions())

	require.NoError(t, m.Transition(StateReady))
	assert.Equal(t, StateServing, m.State())
	for _, want := range []ServerState{StateIndexing, StateReady, StateServing} {
		assert.Equal(t, want, (<-events).To)
	}

	m.SessionClosed()
	assert.Equal(t, StateReady, m.State())
}

func TestStateMachine_RefusesSessionsOnceStopping(t *testing.T) {
	m := readyMachine(t)
	require.True(t, m.BeginStop())
	assert.False(t, m.BeginStop(), "second stop is a no-op")
	assert.ErrorIs(t, m.SessionOpened(), ErrServerStopping)
}

func TestStateMachine_SessionCloseWhileStoppingKeepsState(t *testing.T) {
	m := readyMachine(t)
	require.NoError(t, m.SessionOpened())
	require.True(t, m.BeginStop())

	m.SessionClosed()
	assert.Equal(t, StateStopping, m.State())
}

func TestStateMachine_NotifiesSubscribersInOrder(t *testing.T) {
	m := NewStateMachine()
	events := m.Subscribe()

	require.NoError(t, m.Transition(StateIndexing))
	require.NoError(t, m.Transition(StateReady))
	require.NoError(t, m.SessionOpened())

	expected := []ServerState{StateIndexing, StateReady, StateServing}
	for _, want := range expected {
		ev := <-events
		assert.Equal(t, want, ev.To)
	}
}

func TestServerState_Text(t *testing.T) {
	text, err := StateServing.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "serving", string(text))

	var s ServerState
	require.NoError(t, s.UnmarshalText([]byte("stopping")))
	assert.Equal(t, StateStopping, s)
	assert.Error(t, s.UnmarshalText([]byte("napping")))

	_, err = ServerState(42).MarshalText()
	assert.Error(t, err)
}
