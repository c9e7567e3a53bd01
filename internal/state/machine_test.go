package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	require.NotNil(t, m)

	state, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestMachine_ChallengeFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Fire(ctx, TriggerConnect))
	assert.Equal(t, StateConnecting, m.MustState())

	// Rotating challenges keep the machine in Connecting.
	require.NoError(t, m.Fire(ctx, TriggerChallengeIssued))
	require.NoError(t, m.Fire(ctx, TriggerChallengeIssued))
	assert.Equal(t, StateConnecting, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerOpened))
	assert.Equal(t, StateConnected, m.MustState())
	assert.True(t, m.IsConnected())
}

func TestMachine_StoredCredentialsFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Fire(ctx, TriggerConnect))
	require.NoError(t, m.Fire(ctx, TriggerOpened))
	assert.Equal(t, StateConnected, m.MustState())

	require.NoError(t, m.Fire(ctx, TriggerClosed))
	assert.Equal(t, StateDisconnected, m.MustState())
}

func TestMachine_ConnectingExits(t *testing.T) {
	for _, trigger := range []Trigger{TriggerClosed, TriggerCredentialTimeout, TriggerOpenFailed} {
		t.Run(trigger.String(), func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine()
			require.NoError(t, m.Fire(ctx, TriggerConnect))

			require.NoError(t, m.Fire(ctx, trigger))
			assert.Equal(t, StateDisconnected, m.MustState())
		})
	}
}

func TestMachine_IgnoredTriggers(t *testing.T) {
	ctx := context.Background()

	connecting := NewMachine()
	require.NoError(t, connecting.Fire(ctx, TriggerConnect))
	require.NoError(t, connecting.Fire(ctx, TriggerConnect))
	assert.Equal(t, StateConnecting, connecting.MustState())

	connected := NewMachineAt(StateConnected)
	require.NoError(t, connected.Fire(ctx, TriggerConnect))
	require.NoError(t, connected.Fire(ctx, TriggerChallengeIssued))
	assert.Equal(t, StateConnected, connected.MustState())

	disconnected := NewMachine()
	require.NoError(t, disconnected.Fire(ctx, TriggerClosed))
	assert.Equal(t, StateDisconnected, disconnected.MustState())
}

func TestMachine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	assert.Error(t, m.Fire(ctx, TriggerOpened))
	assert.Error(t, m.Fire(ctx, TriggerChallengeIssued))
	assert.Equal(t, StateDisconnected, m.MustState())
}

func TestMachine_IsInState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	_ = m.Fire(ctx, TriggerConnect)
	_ = m.Fire(ctx, TriggerOpened)

	connected, err := m.IsInState(ctx, StateConnected)
	require.NoError(t, err)
	assert.True(t, connected)

	disconnected, err := m.IsInState(ctx, StateDisconnected)
	require.NoError(t, err)
	assert.False(t, disconnected)
}

func TestMachine_CanFire(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	canConnect, err := m.CanFire(ctx, TriggerConnect)
	require.NoError(t, err)
	assert.True(t, canConnect)

	canOpen, err := m.CanFire(ctx, TriggerOpened)
	require.NoError(t, err)
	assert.False(t, canOpen)
}

func TestMachine_OnTransitionCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	type transition struct {
		from    State
		to      State
		trigger Trigger
	}
	var transitions []transition

	m.OnTransition(func(ctx context.Context, from, to State, trigger Trigger) {
		transitions = append(transitions, transition{from, to, trigger})
	})

	_ = m.Fire(ctx, TriggerConnect)
	_ = m.Fire(ctx, TriggerOpened)
	_ = m.Fire(ctx, TriggerClosed)

	require.Len(t, transitions, 3)
	assert.Equal(t, transition{StateDisconnected, StateConnecting, TriggerConnect}, transitions[0])
	assert.Equal(t, transition{StateConnecting, StateConnected, TriggerOpened}, transitions[1])
	assert.Equal(t, transition{StateConnected, StateDisconnected, TriggerClosed}, transitions[2])
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateConnected, ParseState("connected"))
	assert.Equal(t, StateConnecting, ParseState("connecting"))
	assert.Equal(t, StateDisconnected, ParseState("bogus"))
	assert.True(t, StateConnecting.IsLive())
	assert.False(t, StateDisconnected.IsLive())
	assert.True(t, StateConnected.IsOperational())
}
