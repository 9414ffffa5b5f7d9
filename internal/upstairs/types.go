// Package upstairs implements the Crucible Upstairs replication engine: the
// guest-facing gateway, job planner, per-client state machines, the
// acknowledging work queue, and the reconciler/live-repair drivers that
// together replicate block I/O across three Downstairs replicas.
package upstairs

import "fmt"

// ClientID identifies one of the three Downstairs replicas an Upstairs
// session talks to. Crucible never rebalances across more than three
// replicas, so this is a small fixed-width type rather than an open set.
type ClientID int

// NumClients is the replication factor this engine is built around. Data
// rebalancing across more than three replicas is an explicit non-goal.
const NumClients = 3

// String implements fmt.Stringer for log lines.
func (c ClientID) String() string {
	return fmt.Sprintf("client-%d", int(c))
}

// JobID is a per-session monotonically increasing counter. Job ordering
// and dependency resolution both key off ascending JobID, never wall clock.
type JobID uint64

// JobKind is the taxonomy of work a Job can represent.
type JobKind int

const (
	JobRead JobKind = iota
	JobWrite
	JobWriteUnwritten
	JobFlush
	JobExtentClose
	JobExtentRepair
	JobExtentReopen
	JobNoOp
)

func (k JobKind) String() string {
	switch k {
	case JobRead:
		return "read"
	case JobWrite:
		return "write"
	case JobWriteUnwritten:
		return "write_unwritten"
	case JobFlush:
		return "flush"
	case JobExtentClose:
		return "extent_close"
	case JobExtentRepair:
		return "extent_repair"
	case JobExtentReopen:
		return "extent_reopen"
	case JobNoOp:
		return "no_op"
	default:
		return "unknown"
	}
}

// isWriteLike reports whether a job kind follows Write's dependency and
// ack rules. WriteUnwritten differs only in per-block apply semantics at
// the replica; the planner and acknowledger treat it identically.
func (k JobKind) isWriteLike() bool {
	return k == JobWrite || k == JobWriteUnwritten
}

// IOState is the per-client lifecycle of a single Job.
type IOState int

const (
	IOStateNew IOState = iota
	IOStateInProgress
	IOStateDone
	IOStateSkipped
	IOStateError
)

func (s IOState) String() string {
	switch s {
	case IOStateNew:
		return "new"
	case IOStateInProgress:
		return "in_progress"
	case IOStateDone:
		return "done"
	case IOStateSkipped:
		return "skipped"
	case IOStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether this state will never change again for a job
// on a given client.
func (s IOState) Terminal() bool {
	switch s {
	case IOStateDone, IOStateSkipped, IOStateError:
		return true
	default:
		return false
	}
}

// ClientPhase is the connection lifecycle of a single Downstairs client,
// per the state diagram in the replication engine design.
type ClientPhase int

const (
	PhaseNew ClientPhase = iota
	PhaseWaitActive
	PhaseWaitQuorum
	PhaseActive
	PhaseFaulted
	PhaseDeactivated
	PhaseOffline
	PhaseRepair
	PhaseFailedRepair
)

func (p ClientPhase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseWaitActive:
		return "wait_active"
	case PhaseWaitQuorum:
		return "wait_quorum"
	case PhaseActive:
		return "active"
	case PhaseFaulted:
		return "faulted"
	case PhaseDeactivated:
		return "deactivated"
	case PhaseOffline:
		return "offline"
	case PhaseRepair:
		return "repair"
	case PhaseFailedRepair:
		return "failed_repair"
	default:
		return "unknown"
	}
}
