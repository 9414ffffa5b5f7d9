package upstairs

import "sync"

// Job is a unit of work targeting one or more extents, tracked per client.
// Jobs are created by the planner, mutated only by the client task that
// owns a given client's IOState slot or by the acknowledger on completion,
// and destroyed during retire-check once a later flush makes them
// retirable. The mutex here is lock-order position #4, "per-job data
// buffer" — never held across a suspension point.
type Job struct {
	mu sync.Mutex

	ID   JobID
	Kind JobKind

	// Deps are prior JobIDs that must reach a terminal state on a given
	// client before this job may transition to InProgress there.
	Deps []JobID

	// Spans is the block range(s) this job touches, used for dependency
	// overlap checks. Repair jobs cover a whole extent.
	Spans []ExtentSpan

	// WriteData holds the payload for Write/WriteUnwritten jobs.
	WriteData []byte

	// ReadBuf holds the accepted read response once validated.
	ReadBuf []byte

	// AcceptedHash is the integrity hash recorded for the first accepted
	// read response on this job. A nil pointer distinguishes "not yet
	// recorded"; a non-nil pointer to the zero value is still a real
	// hash. Replayed reads to other replicas must match this hash.
	AcceptedHash *uint64

	state    [NumClients]IOState
	clientErr [NumClients]error

	acked bool
}

// NewJob constructs a Job in the New state on every client.
func NewJob(id JobID, kind JobKind, deps []JobID, spans []ExtentSpan) *Job {
	return &Job{ID: id, Kind: kind, Deps: deps, Spans: spans}
}

// State returns the IOState for a given client.
func (j *Job) State(c ClientID) IOState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state[c]
}

// SetState transitions the job's state for a client. Callers (the client
// task that owns c, or the acknowledger marking a client Skipped on
// fault) are responsible for only making legal transitions; SetState
// itself does not validate transition legality because state legality
// here depends on the wider per-client phase, not just the job.
func (j *Job) SetState(c ClientID, s IOState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state[c] = s
}

// SetError records a client-local error and marks that client's IOState
// as Error.
func (j *Job) SetError(c ClientID, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state[c] = IOStateError
	j.clientErr[c] = err
}

// Error returns the recorded client-local error, if any.
func (j *Job) Error(c ClientID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clientErr[c]
}

// AllTerminal reports whether every client has reached a terminal state
// for this job — the retire-check precondition.
func (j *Job) AllTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.state {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// DepsTerminalOn reports whether every dependency of this job has
// reached a terminal state on client c. depsOf is a lookup function
// supplied by the WorkQueue so Job itself holds no back-reference to the
// queue (avoids the cyclic-reference pitfall the design notes call out).
func (j *Job) DepsTerminalOn(c ClientID, depsOf func(JobID) (*Job, bool)) bool {
	for _, dep := range j.Deps {
		dj, ok := depsOf(dep)
		if !ok {
			// Already retired: necessarily terminal on every client.
			continue
		}
		if !dj.State(c).Terminal() {
			return false
		}
	}
	return true
}

// Acked reports whether this job has already been acknowledged to the
// guest. Jobs remain in the active map after ack because later jobs may
// still depend on them.
func (j *Job) Acked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.acked
}

// MarkAcked sets the ack flag. Returns false if it was already set, so
// callers can detect and avoid double-acking.
func (j *Job) MarkAcked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.acked {
		return false
	}
	j.acked = true
	return true
}

// CountDone returns how many clients report Done for this job.
func (j *Job) CountDone() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, s := range j.state {
		if s == IOStateDone {
			n++
		}
	}
	return n
}

// CountState returns how many clients are in a given state.
func (j *Job) CountState(want IOState) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, s := range j.state {
		if s == want {
			n++
		}
	}
	return n
}

// DropPayload releases the write payload and read buffer once a job has
// been retired, so the active map doesn't pin large buffers behind a
// flush barrier.
func (j *Job) DropPayload() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.WriteData = nil
	j.ReadBuf = nil
}
