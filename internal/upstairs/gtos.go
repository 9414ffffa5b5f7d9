package upstairs

import (
	"fmt"
	"sync"
)

// BlockOpKind mirrors the guest-visible operations the Gateway accepts.
type BlockOpKind int

const (
	OpRead BlockOpKind = iota
	OpWrite
	OpWriteUnwritten
	OpFlush
)

// BlockOp is a single guest request. Gateway.submit creates one per
// guest call and sets only Kind; the other descriptive fields are left
// empty there.
type BlockOp struct {
	Kind         BlockOpKind
	Offset       uint64
	Length       uint64
	Data         []byte // Write/WriteUnwritten payload
	Buf          []byte // Read destination buffer
	SnapshotName string // optional, Flush only

	result chan BlockOpResult
}

// BlockOpResult is what a guest call eventually observes: either success
// or a single composite error. For a successful read, Gateway.Read then
// copies each job's data into the caller's buffer.
type BlockOpResult struct {
	Err error
}

func newBlockOp(kind BlockOpKind) *BlockOp {
	return &BlockOp{Kind: kind, result: make(chan BlockOpResult, 1)}
}

// Wait blocks until the operation completes and returns its result. A
// pending guest op is never cancelled once submitted — it always
// produces a result.
func (b *BlockOp) Wait() BlockOpResult {
	return <-b.result
}

func (b *BlockOp) complete(res BlockOpResult) {
	b.result <- res
}

// GtoS (Guest-to-Storage) binds one guest op to the one or more Downstairs
// jobs it was translated into. A guest op completes when every contained
// job is terminal (Done, Skipped, or Error-with-quorum-satisfied).
type GtoS struct {
	Op   *BlockOp
	Jobs []JobID

	mu        sync.Mutex
	remaining map[JobID]struct{}
	err       error
}

func newGtoS(op *BlockOp, jobs []JobID) *GtoS {
	remaining := make(map[JobID]struct{}, len(jobs))
	for _, j := range jobs {
		remaining[j] = struct{}{}
	}
	return &GtoS{Op: op, Jobs: jobs, remaining: remaining}
}

// resolveJob marks one contained job as finished for the purposes of this
// GtoS, optionally recording an error. When every contained job has been
// resolved the GtoS completes the waiting guest call.
func (g *GtoS) resolveJob(id JobID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.remaining[id]; !ok {
		return
	}
	delete(g.remaining, id)
	if err != nil && g.err == nil {
		g.err = err
	}
	if len(g.remaining) == 0 {
		g.Op.complete(BlockOpResult{Err: g.err})
	}
}

func (g *GtoS) String() string {
	return fmt.Sprintf("gtos(jobs=%v)", g.Jobs)
}
