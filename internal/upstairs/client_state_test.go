package upstairs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientStateLegalTransitions(t *testing.T) {
	c := NewClientState(0, "127.0.0.1:1234")
	require.Equal(t, PhaseNew, c.Phase())

	require.NoError(t, c.Transition(PhaseWaitActive))
	require.NoError(t, c.Transition(PhaseWaitQuorum))
	require.NoError(t, c.Transition(PhaseActive))
	require.NoError(t, c.Transition(PhaseFaulted))
}

func TestClientStateRejectsIllegalTransition(t *testing.T) {
	c := NewClientState(0, "127.0.0.1:1234")
	err := c.Transition(PhaseActive)
	require.Error(t, err)
	require.Equal(t, ErrProtocol, KindOf(err))
}

func TestClientStateSkippedJobPurge(t *testing.T) {
	c := NewClientState(0, "x")
	c.RecordSkipped(1, 2, 3)
	require.Equal(t, 3, c.SkippedCount())

	c.PurgeSkippedUpTo(2)
	require.Equal(t, 1, c.SkippedCount())
}

func TestClientStateBackoffDoublesAndCaps(t *testing.T) {
	c := NewClientState(0, "x")
	first := c.NextBackoff()
	second := c.NextBackoff()
	require.Equal(t, minReconnectBackoff, first)
	require.Equal(t, 2*minReconnectBackoff, second)

	for i := 0; i < 10; i++ {
		c.NextBackoff()
	}
	require.Equal(t, maxReconnectBackoff, c.NextBackoff())
}

func TestClientStateTimedOut(t *testing.T) {
	c := NewClientState(0, "x")
	now := time.Now()
	c.Pinged(now)
	require.False(t, c.TimedOut(time.Second, now))
	require.True(t, c.TimedOut(time.Second, now.Add(2*time.Second)))

	c.Ponged(now.Add(time.Millisecond))
	require.False(t, c.TimedOut(time.Second, now.Add(2*time.Second)))
}
