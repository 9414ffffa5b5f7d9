package upstairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendIOLiveRepairBelowAndAtCursor(t *testing.T) {
	lr := NewLiveRepair(1, 10)
	lr.Advance() // cursor now 1

	below := &Job{Spans: []ExtentSpan{{ExtentID: 0}}}
	at := &Job{Spans: []ExtentSpan{{ExtentID: 1}}}
	above := &Job{Spans: []ExtentSpan{{ExtentID: 2}}}

	require.True(t, lr.SendIOLiveRepair(below))
	require.True(t, lr.SendIOLiveRepair(at))
	require.False(t, lr.SendIOLiveRepair(above))
}

func TestLiveRepairDoneAfterAllExtents(t *testing.T) {
	lr := NewLiveRepair(0, 2)
	require.False(t, lr.Done())
	lr.Advance()
	require.False(t, lr.Done())
	lr.Advance()
	require.True(t, lr.Done())
}
