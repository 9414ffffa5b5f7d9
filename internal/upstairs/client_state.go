package upstairs

import (
	"fmt"
	"sync"
	"time"
)

// legalTransitions enumerates the phase graph a single client may move
// through. A transition not listed here is a programming error, not a
// runtime condition to recover from.
var legalTransitions = map[ClientPhase]map[ClientPhase]bool{
	PhaseNew:          {PhaseWaitActive: true, PhaseOffline: true},
	PhaseWaitActive:   {PhaseWaitQuorum: true, PhaseOffline: true, PhaseFaulted: true},
	PhaseWaitQuorum:   {PhaseActive: true, PhaseRepair: true, PhaseOffline: true, PhaseFaulted: true},
	PhaseActive:       {PhaseFaulted: true, PhaseDeactivated: true, PhaseOffline: true},
	PhaseRepair:       {PhaseActive: true, PhaseFailedRepair: true, PhaseOffline: true, PhaseFaulted: true},
	PhaseFailedRepair: {PhaseWaitActive: true, PhaseOffline: true},
	PhaseFaulted:      {PhaseWaitActive: true, PhaseOffline: true},
	PhaseDeactivated:  {PhaseOffline: true},
	PhaseOffline:      {PhaseWaitActive: true},
}

// ClientState is the per-client (per-Downstairs-connection) state
// machine: negotiated identity, extent version/dirty bookkeeping, and
// the phase gating which jobs that client may accept. Its mutex is
// lock-order position 3, the same tier as WorkQueue's — a caller must
// never hold one while blocking to acquire the other across a
// suspension point.
type ClientState struct {
	ID     ClientID
	Target string

	mu               sync.Mutex
	phase            ClientPhase
	negotiatedGen    uint64
	sessionID        string
	extentVersions   []uint64
	dirty            []bool
	skippedJobs      map[JobID]struct{}
	repairCursor     *uint64
	lastPing         time.Time
	lastPong         time.Time
	reconnectBackoff time.Duration
}

const (
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 60 * time.Second
)

// NewClientState constructs a client in PhaseNew.
func NewClientState(id ClientID, target string) *ClientState {
	return &ClientState{
		ID:               id,
		Target:           target,
		phase:            PhaseNew,
		skippedJobs:      make(map[JobID]struct{}),
		reconnectBackoff: minReconnectBackoff,
	}
}

// Phase returns the current phase.
func (c *ClientState) Phase() ClientPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Transition moves the client to a new phase, returning an error if the
// move isn't in the legal transition table.
func (c *ClientState) Transition(to ClientPhase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	allowed := legalTransitions[c.phase]
	if !allowed[to] {
		return newErr(ErrProtocol, "client_transition", fmt.Errorf("%s -> %s is not a legal transition", c.phase, to))
	}
	c.phase = to
	return nil
}

// SetNegotiatedGen records the generation number an Activate call
// assigned this client, enforcing strict monotonicity: a generation at
// or below the last one recorded is split-brain protection's job to
// reject, not silently accept, per a replica refusing an Upstairs whose
// generation doesn't strictly advance on the last one it served.
func (c *ClientState) SetNegotiatedGen(gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.negotiatedGen != 0 && gen <= c.negotiatedGen {
		return newErr(ErrProtocol, "activate", fmt.Errorf("generation %d is not newer than last negotiated generation %d", gen, c.negotiatedGen))
	}
	c.negotiatedGen = gen
	return nil
}

// NegotiatedGen returns the generation last recorded by SetNegotiatedGen.
func (c *ClientState) NegotiatedGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedGen
}

// SetExtentVersions records the version vector returned by
// ExtentVersionsPlease negotiation.
func (c *ClientState) SetExtentVersions(v []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extentVersions = v
	c.dirty = make([]bool, len(v))
}

// ExtentVersions returns a copy of the recorded version vector.
func (c *ClientState) ExtentVersions() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.extentVersions))
	copy(out, c.extentVersions)
	return out
}

// MarkDirty flags an extent dirty ahead of a write landing on disk.
func (c *ClientState) MarkDirty(extentID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(extentID) < len(c.dirty) {
		c.dirty[extentID] = true
	}
}

// RecordSkipped tracks a job id this client skipped so it can be purged
// once the flush that retires it is acked.
func (c *ClientState) RecordSkipped(ids ...JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.skippedJobs[id] = struct{}{}
	}
}

// PurgeSkippedUpTo drops recorded skipped job ids that are <= the given
// (now-retired) flush id.
func (c *ClientState) PurgeSkippedUpTo(flushID JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.skippedJobs {
		if id <= flushID {
			delete(c.skippedJobs, id)
		}
	}
}

// SkippedCount reports how many skipped jobs are outstanding.
func (c *ClientState) SkippedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.skippedJobs)
}

// SetRepairCursor sets or clears the live-repair extent limit.
func (c *ClientState) SetRepairCursor(limit *uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairCursor = limit
}

// RepairCursor returns the current live-repair extent limit, or nil if
// this client isn't under repair.
func (c *ClientState) RepairCursor() *uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repairCursor
}

// Pinged records a Ruok send.
func (c *ClientState) Pinged(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = at
}

// Ponged records an Imok receipt.
func (c *ClientState) Ponged(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = at
}

// TimedOut reports whether no Imok has arrived within timeout of the
// last Ruok.
func (c *ClientState) TimedOut(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPing.IsZero() {
		return false
	}
	return c.lastPong.Before(c.lastPing) && now.Sub(c.lastPing) > timeout
}

// NextBackoff returns the current reconnect delay and doubles it,
// capped at maxReconnectBackoff, for the following attempt.
func (c *ClientState) NextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.reconnectBackoff
	c.reconnectBackoff *= 2
	if c.reconnectBackoff > maxReconnectBackoff {
		c.reconnectBackoff = maxReconnectBackoff
	}
	return d
}

// ResetBackoff restores the reconnect delay to its floor after a
// successful connection.
func (c *ClientState) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectBackoff = minReconnectBackoff
}
