package upstairs

import "fmt"

// ReconcileTask is one step of bringing a client's extents back in line
// with quorum during the WaitQuorum phase: close the extent everywhere,
// repair it from a source replica to the lagging destinations, then
// reopen it. Tasks execute serially — the next task is not planned
// until every client is Done or Skipped on the current one.
type ReconcileTask struct {
	ExtentID uint64
	Kind     JobKind // JobExtentClose, JobExtentRepair, or JobExtentReopen
	Source   ClientID
	Dests    []ClientID
}

// Reconciler compares each client's extent version vector at
// WaitQuorum, builds the task list for every extent that disagrees, and
// drives it to completion before any client may advance to Active.
type Reconciler struct {
	queue   *WorkQueue
	acker   *Acker
	clients [NumClients]*ClientTask
}

// NewReconciler ties a Reconciler to the already-running client tasks
// it will coordinate.
func NewReconciler(queue *WorkQueue, acker *Acker, clients [NumClients]*ClientTask) *Reconciler {
	return &Reconciler{queue: queue, acker: acker, clients: clients}
}

// Plan compares extent version vectors across all three clients and
// returns one ReconcileTask per extent that disagrees, naming the
// client with the highest version as the repair source.
func (r *Reconciler) Plan(extentCount uint64) []ReconcileTask {
	versions := [NumClients][]uint64{}
	for c := range r.clients {
		versions[c] = r.clients[c].State().ExtentVersions()
	}

	var tasks []ReconcileTask
	for e := uint64(0); e < extentCount; e++ {
		source := ClientID(0)
		best := uint64(0)
		agree := true
		for c := ClientID(0); c < NumClients; c++ {
			v := versionAt(versions[c], e)
			if v > best {
				best = v
				source = c
			}
		}
		for c := ClientID(0); c < NumClients; c++ {
			if versionAt(versions[c], e) != best {
				agree = false
			}
		}
		if agree {
			continue
		}

		var dests []ClientID
		for c := ClientID(0); c < NumClients; c++ {
			if c != source {
				dests = append(dests, c)
			}
		}
		tasks = append(tasks,
			ReconcileTask{ExtentID: e, Kind: JobExtentClose, Source: source, Dests: dests},
			ReconcileTask{ExtentID: e, Kind: JobExtentRepair, Source: source, Dests: dests},
			ReconcileTask{ExtentID: e, Kind: JobExtentReopen, Source: source, Dests: dests},
		)
	}
	return tasks
}

func versionAt(v []uint64, i uint64) uint64 {
	if i >= uint64(len(v)) {
		return 0
	}
	return v[i]
}

// Run drives the task list to completion serially. If any client
// transitions out of PhaseRepair unexpectedly mid-task, that client
// moves to FailedRepair and Run returns an error; the remaining clients
// still finish the in-flight task so the system reaches a consistent
// state before surfacing the failure.
func (r *Reconciler) Run(tasks []ReconcileTask) error {
	for c := range r.clients {
		if err := r.clients[c].State().Transition(PhaseRepair); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	for _, task := range tasks {
		job := r.queue.PlanRepair(task.Kind, task.ExtentID)
		if err := r.awaitTerminal(job); err != nil {
			return fmt.Errorf("reconcile: extent %d %v: %w", task.ExtentID, task.Kind, err)
		}
	}

	for c := range r.clients {
		if err := r.clients[c].State().Transition(PhaseActive); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}
	return nil
}

// awaitTerminal polls until every client is terminal on job — repair
// tasks have no guest waiting on a GtoS, so completion is observed
// directly against the WorkQueue rather than through the Acker's
// guest-facing path.
func (r *Reconciler) awaitTerminal(job *Job) error {
	for !job.AllTerminal() {
		<-r.queue.Wake()
	}
	for c := ClientID(0); c < NumClients; c++ {
		if job.State(c) == IOStateError {
			if err := r.clients[c].State().Transition(PhaseFailedRepair); err != nil {
				return err
			}
			return job.Error(c)
		}
	}
	return nil
}
