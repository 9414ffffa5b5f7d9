package upstairs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobAllTerminal(t *testing.T) {
	j := NewJob(1, JobWrite, nil, nil)
	require.False(t, j.AllTerminal())

	j.SetState(0, IOStateDone)
	j.SetState(1, IOStateDone)
	require.False(t, j.AllTerminal())

	j.SetState(2, IOStateSkipped)
	require.True(t, j.AllTerminal())
}

func TestJobDepsTerminalOnTreatsMissingDepsAsTerminal(t *testing.T) {
	j := NewJob(2, JobWrite, []JobID{1}, nil)
	lookup := func(id JobID) (*Job, bool) { return nil, false }
	require.True(t, j.DepsTerminalOn(0, lookup))
}

func TestJobDepsTerminalOnBlocksUntilDepDone(t *testing.T) {
	dep := NewJob(1, JobWrite, nil, nil)
	j := NewJob(2, JobWrite, []JobID{1}, nil)
	lookup := func(id JobID) (*Job, bool) {
		if id == 1 {
			return dep, true
		}
		return nil, false
	}

	require.False(t, j.DepsTerminalOn(0, lookup))
	dep.SetState(0, IOStateDone)
	require.True(t, j.DepsTerminalOn(0, lookup))
}

func TestJobMarkAckedIsIdempotent(t *testing.T) {
	j := NewJob(1, JobRead, nil, nil)
	require.True(t, j.MarkAcked())
	require.False(t, j.MarkAcked())
}

func TestJobSetErrorRecordsErrorAndState(t *testing.T) {
	j := NewJob(1, JobWrite, nil, nil)
	boom := errors.New("boom")
	j.SetError(0, boom)
	require.Equal(t, IOStateError, j.State(0))
	require.ErrorIs(t, j.Error(0), boom)
}

func TestJobDropPayload(t *testing.T) {
	j := NewJob(1, JobWrite, nil, nil)
	j.WriteData = []byte("data")
	j.ReadBuf = []byte("buf")
	j.DropPayload()
	require.Nil(t, j.WriteData)
	require.Nil(t, j.ReadBuf)
}
