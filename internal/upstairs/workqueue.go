package upstairs

import (
	"sort"
	"sync"
	"sync/atomic"
)

// WorkQueue holds every active job keyed by JobID, translates guest ops
// into jobs with computed dependency sets (the Job Planner), and retires
// jobs behind flush barriers. Its mutex is lock-order position 3
// ("Downstairs: active jobs") from the concurrency model — never acquire
// a GtoS-table lock (position 2) while holding this one.
type WorkQueue struct {
	region RegionDef
	nextID atomic.Uint64

	mu     sync.Mutex
	active map[JobID]*Job
	order  []JobID // ascending JobID, mirrors active's insertion order
	retire *retireRing

	lastFlush JobID
	hasFlush  bool

	wake chan struct{}
}

// Wake returns the channel client tasks select on to learn that new
// work may be eligible; it's signalled on every insert and retire.
func (q *WorkQueue) Wake() <-chan struct{} {
	return q.wake
}

// Notify wakes anything selecting on Wake — called by client tasks
// after a job's per-client state changes, so waiters like
// Reconciler.awaitTerminal don't have to poll.
func (q *WorkQueue) Notify() {
	q.notify()
}

func (q *WorkQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// NewWorkQueue creates an empty WorkQueue for the given region geometry.
// retireCapacity <= 0 picks the default (DefaultFlushQueueDepth * 4).
func NewWorkQueue(region RegionDef, retireCapacity int) *WorkQueue {
	return &WorkQueue{
		region: region,
		active: make(map[JobID]*Job),
		retire: newRetireRing(retireCapacity),
		wake:   make(chan struct{}, 1),
	}
}

func (q *WorkQueue) allocJobID() JobID {
	return JobID(q.nextID.Add(1))
}

// GetJob looks up a job still in the active map. Retired jobs return
// (nil, false); callers (chiefly Job.DepsTerminalOn) treat that as
// "already terminal everywhere."
func (q *WorkQueue) GetJob(id JobID) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[id]
	return j, ok
}

// insert adds a freshly planned job to the active map, computing and
// attaching its dependency set in the same critical section so no other
// planning call can interleave and see a partial view.
func (q *WorkQueue) insert(kind JobKind, spans []ExtentSpan, data []byte) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.allocJobID()
	deps := q.computeDepsLocked(kind, spans)
	j := NewJob(id, kind, deps, spans)
	j.WriteData = data

	q.active[id] = j
	q.order = append(q.order, id)
	if kind == JobFlush {
		q.lastFlush = id
		q.hasFlush = true
	}
	q.notify()
	return j
}

// computeDepsLocked implements the dependency rules: q.mu must be held.
// Scanning walks the active job list newest-first; once a Flush job is
// added as a dependency the scan stops, since everything older than that
// flush is already covered transitively through it (flushes are full
// barriers).
func (q *WorkQueue) computeDepsLocked(kind JobKind, spans []ExtentSpan) []JobID {
	var deps []JobID
	for i := len(q.order) - 1; i >= 0; i-- {
		id := q.order[i]
		job, ok := q.active[id]
		if !ok {
			continue
		}
		overlap := spansOverlapAny(spans, job.Spans)
		include := false

		switch {
		case kind == JobFlush:
			include = true
		case kind.isWriteLike():
			include = job.Kind == JobFlush || overlap
		case kind == JobRead:
			include = job.Kind == JobFlush || (job.Kind.isWriteLike() && overlap)
		case kind == JobExtentRepair || kind == JobExtentClose || kind == JobExtentReopen:
			include = overlap
		}

		if include {
			deps = append(deps, id)
			if job.Kind == JobFlush {
				break
			}
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	return deps
}

// PlanWrite translates a guest write (or write_unwritten — they share a
// dependency path; only repr at the replica differs) into one job per
// contiguous extent run.
func (q *WorkQueue) PlanWrite(offset, length uint64, data []byte, unwritten bool) ([]*Job, error) {
	spans, err := q.region.SpanExtents(offset, length)
	if err != nil {
		return nil, err
	}
	kind := JobWrite
	if unwritten {
		kind = JobWriteUnwritten
	}

	var jobs []*Job
	blockOff := uint64(0)
	for _, s := range spans {
		n := s.Length * q.region.BlockSize
		payload := data[blockOff : blockOff+n]
		jobs = append(jobs, q.insert(kind, []ExtentSpan{s}, payload))
		blockOff += n
	}
	return jobs, nil
}

// PlanRead translates a guest read into one job per contiguous extent
// run. Reads need not depend on other reads.
func (q *WorkQueue) PlanRead(offset, length uint64) ([]*Job, error) {
	spans, err := q.region.SpanExtents(offset, length)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, s := range spans {
		jobs = append(jobs, q.insert(JobRead, []ExtentSpan{s}, nil))
	}
	return jobs, nil
}

// PlanFlush creates a single barrier job depending on every prior
// non-retired job.
func (q *WorkQueue) PlanFlush() *Job {
	return q.insert(JobFlush, nil, nil)
}

// PlanRepair creates a repair-phase job (ExtentClose, ExtentRepair, or
// ExtentReopen) covering a whole extent.
func (q *WorkQueue) PlanRepair(kind JobKind, extentID uint64) *Job {
	span := ExtentSpan{ExtentID: extentID, BlockInExtent: 0, Length: q.region.ExtentSize}
	return q.insert(kind, []ExtentSpan{span}, nil)
}

// RetireCheck is triggered on a flush ack. For that flush and every job
// it transitively depends on, if all clients are terminal on it, the job
// moves from the active map to the bounded retire ring and its payload
// is dropped. skipped-job purging (by the per-client state) uses the
// same flush id as its cutoff.
func (q *WorkQueue) RetireCheck(flushID JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	flush, ok := q.active[flushID]
	if !ok || flush.Kind != JobFlush {
		return
	}
	if !flush.AllTerminal() {
		return
	}

	candidates := []JobID{flushID}
	seen := map[JobID]bool{flushID: true}
	for i := 0; i < len(candidates); i++ {
		j, ok := q.active[candidates[i]]
		if !ok {
			continue
		}
		for _, d := range j.Deps {
			if !seen[d] {
				seen[d] = true
				candidates = append(candidates, d)
			}
		}
	}
	retired := make(map[JobID]bool)
	for _, id := range candidates {
		if id > flushID {
			continue
		}
		j, ok := q.active[id]
		if !ok || retired[id] {
			continue
		}
		if !j.AllTerminal() {
			continue
		}
		j.DropPayload()
		retired[id] = true
	}

	if len(retired) == 0 {
		return
	}

	newOrder := q.order[:0:0]
	for _, id := range q.order {
		if retired[id] {
			q.retire.push(id)
			delete(q.active, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	q.order = newOrder
	q.notify()
}

// ActiveCount reports how many jobs are currently tracked (for
// diagnostics via ShowWork).
func (q *WorkQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// RetiredSnapshot returns retired job ids, oldest first (diagnostics only).
func (q *WorkQueue) RetiredSnapshot() []JobID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retire.snapshot()
}

// NextJobFor returns the next New job eligible to transition to
// InProgress for client c: its dependencies must be terminal on c.
// Jobs are offered in ascending JobID order so clients make progress
// FIFO-fair across their own backlog.
func (q *WorkQueue) NextJobFor(c ClientID) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.active[id]
		if j.State(c) != IOStateNew {
			continue
		}
		if j.DepsTerminalOn(c, q.getJobLocked) {
			return j
		}
	}
	return nil
}

// getJobLocked is the depsOf callback passed to Job.DepsTerminalOn; it
// assumes q.mu is already held by the caller's caller (NextJobFor).
// Job.DepsTerminalOn never itself takes q.mu, so no deadlock: it is
// invoked synchronously within NextJobFor's critical section.
func (q *WorkQueue) getJobLocked(id JobID) (*Job, bool) {
	j, ok := q.active[id]
	return j, ok
}

// SkipAllFor transitions every New/InProgress job for a client to
// Skipped — used when a client faults or deactivates. Retained skipped
// jobs are purged later by the client's own skipped-jobs bookkeeping
// once the flush that retires them is acked.
func (q *WorkQueue) SkipAllFor(c ClientID) []JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []JobID
	for _, id := range q.order {
		j := q.active[id]
		switch j.State(c) {
		case IOStateNew, IOStateInProgress:
			j.SetState(c, IOStateSkipped)
			skipped = append(skipped, id)
		}
	}
	q.notify()
	return skipped
}
