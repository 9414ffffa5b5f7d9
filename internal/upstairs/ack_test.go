package upstairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*WorkQueue, *Acker, *GtoSTable) {
	t.Helper()
	q := NewWorkQueue(testRegion(), 4)
	table := newGtoSTable()
	acker := NewAcker(q, table.lookup)
	return q, acker, table
}

func TestAckReadOnFirstDone(t *testing.T) {
	q, acker, table := newTestGateway(t)
	reads, err := q.PlanRead(0, 512)
	require.NoError(t, err)
	job := reads[0]

	op := newBlockOp(OpRead)
	table.register([]*Job{job}, op)

	job.SetState(0, IOStateDone)
	acker.Evaluate(job)
	require.True(t, job.Acked())

	select {
	case res := <-op.result:
		require.NoError(t, res.Err)
	default:
		t.Fatal("expected guest op to resolve after one Done on a read")
	}
}

func TestAckWriteRequiresTwoOfThree(t *testing.T) {
	q, acker, table := newTestGateway(t)
	data := make([]byte, 512)
	writes, err := q.PlanWrite(0, 512, data, false)
	require.NoError(t, err)
	job := writes[0]

	op := newBlockOp(OpWrite)
	table.register([]*Job{job}, op)

	job.SetState(0, IOStateDone)
	acker.Evaluate(job)
	require.False(t, job.Acked())

	job.SetState(1, IOStateDone)
	acker.Evaluate(job)
	require.True(t, job.Acked())
}

func TestAckFlushToleratesOneSkip(t *testing.T) {
	q, acker, table := newTestGateway(t)
	job := q.PlanFlush()
	op := newBlockOp(OpFlush)
	table.register([]*Job{job}, op)

	job.SetState(0, IOStateDone)
	job.SetState(1, IOStateDone)
	job.SetState(2, IOStateSkipped)
	acker.Evaluate(job)
	require.True(t, job.Acked())

	select {
	case res := <-op.result:
		require.NoError(t, res.Err)
	default:
		t.Fatal("expected flush to resolve with quorum despite one skip")
	}
}

func TestAckTriggersRetireOnFlush(t *testing.T) {
	q, acker, table := newTestGateway(t)
	data := make([]byte, 512)
	writes, _ := q.PlanWrite(0, 512, data, false)
	flush := q.PlanFlush()

	op1 := newBlockOp(OpWrite)
	table.register([]*Job{writes[0]}, op1)
	op2 := newBlockOp(OpFlush)
	table.register([]*Job{flush}, op2)

	for c := ClientID(0); c < NumClients; c++ {
		writes[0].SetState(c, IOStateDone)
	}
	acker.Evaluate(writes[0])

	for c := ClientID(0); c < NumClients; c++ {
		flush.SetState(c, IOStateDone)
	}
	acker.Evaluate(flush)

	require.Equal(t, 0, q.ActiveCount())
}
