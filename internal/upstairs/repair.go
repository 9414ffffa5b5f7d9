package upstairs

import "sync/atomic"

// LiveRepair drives one replica back to quorum while the Upstairs keeps
// serving guest IO, by repairing extents in ascending order behind a
// cursor. Jobs whose lowest extent is at or below the cursor are routed
// normally (with the repairing replica held back until the repair task
// for that extent lands); jobs above the cursor are marked Skipped on
// the repairing replica, to be caught up once the cursor passes them.
type LiveRepair struct {
	repairing ClientID
	cursor    atomic.Uint64
	extents   uint64
}

// NewLiveRepair starts a live repair of replica c across the given
// number of extents, cursor at extent 0.
func NewLiveRepair(c ClientID, extentCount uint64) *LiveRepair {
	return &LiveRepair{repairing: c, extents: extentCount}
}

// Cursor returns the current extent limit: every extent strictly below
// it has already been repaired.
func (lr *LiveRepair) Cursor() uint64 {
	return lr.cursor.Load()
}

// Advance moves the cursor forward one extent after its repair task
// completes.
func (lr *LiveRepair) Advance() {
	lr.cursor.Add(1)
}

// Done reports whether every extent has been repaired.
func (lr *LiveRepair) Done() bool {
	return lr.cursor.Load() >= lr.extents
}

// lowestExtent returns the smallest extent id a job's spans touch.
func lowestExtent(spans []ExtentSpan) uint64 {
	min := uint64(0)
	first := true
	for _, s := range spans {
		if first || s.ExtentID < min {
			min = s.ExtentID
			first = false
		}
	}
	return min
}

// SendIOLiveRepair decides, for a job about to be offered to the
// repairing replica, whether it may be routed normally. A job whose
// lowest touched extent is at or below the cursor is sent through as
// usual (the repair task for that extent has already run, or is the
// current extent being held for). A job touching only extents above the
// cursor has not been repaired yet and must be Skipped on this replica;
// it will be picked up once the cursor reaches it, because the repair
// task for that extent is itself scheduled as a job the guest path
// depends on.
func (lr *LiveRepair) SendIOLiveRepair(job *Job) bool {
	return lowestExtent(job.Spans) <= lr.cursor.Load()
}
