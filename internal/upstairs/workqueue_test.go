package upstairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanWriteThenReadDependsOnOverlappingWrite(t *testing.T) {
	q := NewWorkQueue(testRegion(), 8)
	data := make([]byte, 512)
	writes, err := q.PlanWrite(0, 512, data, false)
	require.NoError(t, err)
	require.Len(t, writes, 1)

	reads, err := q.PlanRead(0, 512)
	require.NoError(t, err)
	require.Len(t, reads, 1)
	require.Equal(t, []JobID{writes[0].ID}, reads[0].Deps)
}

func TestPlanReadDoesNotDependOnOtherReads(t *testing.T) {
	q := NewWorkQueue(testRegion(), 8)
	r1, err := q.PlanRead(0, 512)
	require.NoError(t, err)
	r2, err := q.PlanRead(0, 512)
	require.NoError(t, err)
	require.Empty(t, r1[0].Deps)
	require.Empty(t, r2[0].Deps)
}

func TestPlanFlushDependsOnEveryPriorJob(t *testing.T) {
	q := NewWorkQueue(testRegion(), 8)
	data := make([]byte, 512)
	w, _ := q.PlanWrite(0, 512, data, false)
	r, _ := q.PlanRead(4096, 512)

	flush := q.PlanFlush()
	require.ElementsMatch(t, []JobID{w[0].ID, r[0].ID}, flush.Deps)
}

func TestPlanWriteAfterFlushDependsOnlyOnFlush(t *testing.T) {
	q := NewWorkQueue(testRegion(), 8)
	data := make([]byte, 512)
	w1, _ := q.PlanWrite(0, 512, data, false)
	flush := q.PlanFlush()
	w2, err := q.PlanWrite(0, 512, data, false)
	require.NoError(t, err)

	require.Equal(t, []JobID{flush.ID}, w2[0].Deps)
	_ = w1
}

func TestRetireCheckDropsTerminalJobsBehindFlush(t *testing.T) {
	q := NewWorkQueue(testRegion(), 4)
	data := make([]byte, 512)
	w, _ := q.PlanWrite(0, 512, data, false)
	flush := q.PlanFlush()

	require.Equal(t, 2, q.ActiveCount())

	for c := ClientID(0); c < NumClients; c++ {
		w[0].SetState(c, IOStateDone)
	}
	for c := ClientID(0); c < NumClients; c++ {
		flush.SetState(c, IOStateDone)
	}

	q.RetireCheck(flush.ID)
	require.Equal(t, 0, q.ActiveCount())
	require.ElementsMatch(t, []JobID{w[0].ID, flush.ID}, q.RetiredSnapshot())
}

func TestRetireCheckNoopUntilFlushTerminal(t *testing.T) {
	q := NewWorkQueue(testRegion(), 4)
	data := make([]byte, 512)
	w, _ := q.PlanWrite(0, 512, data, false)
	flush := q.PlanFlush()

	for c := ClientID(0); c < NumClients; c++ {
		w[0].SetState(c, IOStateDone)
	}
	q.RetireCheck(flush.ID)
	require.Equal(t, 2, q.ActiveCount(), "flush not yet terminal, nothing should retire")
}

func TestNextJobForRespectsDeps(t *testing.T) {
	q := NewWorkQueue(testRegion(), 4)
	data := make([]byte, 512)
	w, _ := q.PlanWrite(0, 512, data, false)
	r, _ := q.PlanRead(0, 512)

	next := q.NextJobFor(0)
	require.Equal(t, w[0].ID, next.ID, "read depends on the write; write must be offered first")

	w[0].SetState(0, IOStateDone)
	next = q.NextJobFor(0)
	require.Equal(t, r[0].ID, next.ID)
}

func TestSkipAllForMarksOutstandingJobsSkipped(t *testing.T) {
	q := NewWorkQueue(testRegion(), 4)
	data := make([]byte, 512)
	w, _ := q.PlanWrite(0, 512, data, false)

	skipped := q.SkipAllFor(1)
	require.Equal(t, []JobID{w[0].ID}, skipped)
	require.Equal(t, IOStateSkipped, w[0].State(1))
}
