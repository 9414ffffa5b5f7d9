package upstairs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// activatePollInterval is how often Activate rechecks client quorum
// while waiting, rather than being woken by a dedicated signal the
// client phase transitions don't currently emit.
const activatePollInterval = 20 * time.Millisecond

// GtoSTable is the guest-to-storage translation table: lock-order
// position 2, acquired only while registering or resolving a guest op,
// never while holding a WorkQueue or ClientState lock.
type GtoSTable struct {
	mu    sync.Mutex
	byJob map[JobID]*GtoS
}

func newGtoSTable() *GtoSTable {
	return &GtoSTable{byJob: make(map[JobID]*GtoS)}
}

func (t *GtoSTable) register(jobs []*Job, op *BlockOp) *GtoS {
	ids := make([]JobID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	g := newGtoS(op, ids)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.byJob[id] = g
	}
	return g
}

func (t *GtoSTable) lookup(id JobID) (*GtoS, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.byJob[id]
	return g, ok
}

// forget drops the table entries for a GtoS's jobs once it has resolved,
// so the table doesn't grow unboundedly behind retirement.
func (t *GtoSTable) forget(g *GtoS) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range g.Jobs {
		delete(t.byJob, id)
	}
}

// Gateway is the guest-facing half of the Upstairs: it accepts BlockIO
// calls, plans them into jobs via the WorkQueue, registers the
// resulting GtoS, and waits for the guest op to resolve. It holds no
// lock across the wait — by the time Wait() blocks, every lock acquired
// during submission has already been released.
type Gateway struct {
	region RegionDef
	id     string

	mu       sync.Mutex // lock-order position 1
	active   bool
	genCount uint64

	queue    *WorkQueue
	table    *GtoSTable
	acker    *Acker
	throttle *Throttle
	clients  [NumClients]*ClientTask
}

// NewGateway wires a Gateway to its WorkQueue, GtoS table, and Acker.
// Callers (Upstairs) own constructing and starting the per-client tasks
// that actually drain jobs the Gateway plans.
func NewGateway(region RegionDef, queue *WorkQueue, throttle *Throttle) *Gateway {
	table := newGtoSTable()
	acker := NewAcker(queue, table.lookup)
	return &Gateway{
		region:   region,
		id:       uuid.NewString(),
		queue:    queue,
		table:    table,
		acker:    acker,
		throttle: throttle,
	}
}

// Table exposes the GtoS table so client tasks can resolve jobs as they
// complete.
func (gw *Gateway) Table() *GtoSTable { return gw.table }

// Acker exposes the shared Acker so client tasks can funnel state
// transitions through a single evaluation point.
func (gw *Gateway) Acker() *Acker { return gw.acker }

// SetClients wires the Gateway to the client tasks Upstairs constructed,
// so Activate can check their phase and negotiated generation. Must be
// called once, before Activate, and before any client task starts.
func (gw *Gateway) SetClients(clients [NumClients]*ClientTask) {
	gw.clients = clients
}

// Activate brings the device online at generation: it first rejects a
// generation that doesn't strictly advance on the last one any client
// negotiated (split-brain protection — a stale Upstairs reactivating
// after a newer one took over must not win), then blocks until a 2-of-3
// client quorum reaches PhaseActive or ctx is cancelled.
func (gw *Gateway) Activate(ctx context.Context, generation uint64) error {
	for _, c := range gw.clients {
		if c == nil {
			continue
		}
		if cur := c.State().NegotiatedGen(); cur != 0 && generation <= cur {
			return newErr(ErrProtocol, "activate", fmt.Errorf("generation %d is not newer than %d already negotiated by %s", generation, cur, c.id))
		}
	}
	for _, c := range gw.clients {
		if c == nil {
			continue
		}
		if err := c.State().SetNegotiatedGen(generation); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(activatePollInterval)
	defer ticker.Stop()
	for gw.activeClientCount() < 2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	gw.mu.Lock()
	gw.genCount = generation
	gw.active = true
	gw.mu.Unlock()
	return nil
}

// activeClientCount reports how many client tasks are currently in
// PhaseActive, the quorum Activate waits for.
func (gw *Gateway) activeClientCount() int {
	n := 0
	for _, c := range gw.clients {
		if c != nil && c.State().Phase() == PhaseActive {
			n++
		}
	}
	return n
}

func (gw *Gateway) QueryIsActive() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.active
}

func (gw *Gateway) TotalSize() uint64 { return gw.region.TotalSize() }
func (gw *Gateway) BlockSize() uint64 { return gw.region.BlockSize }
func (gw *Gateway) UUID() string      { return gw.id }

func (gw *Gateway) Read(ctx context.Context, offset uint64, buf []byte) error {
	if !gw.QueryIsActive() {
		return newErr(ErrProtocol, "read", fmt.Errorf("upstairs is not active"))
	}
	if err := gw.throttle.Admit(ctx, len(buf)); err != nil {
		return err
	}
	jobs, err := gw.queue.PlanRead(offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	if err := gw.submit(ctx, jobs); err != nil {
		return err
	}
	copyReadResult(jobs, buf)
	return nil
}

// copyReadResult assembles the guest's destination buffer from each
// job's accepted read data, in the same order PlanRead produced the
// jobs (which exactly tiles the requested byte range).
func copyReadResult(jobs []*Job, buf []byte) {
	off := 0
	for _, j := range jobs {
		off += copy(buf[off:], j.ReadBuf)
	}
}

func (gw *Gateway) Write(ctx context.Context, offset uint64, data []byte) error {
	return gw.write(ctx, offset, data, false)
}

func (gw *Gateway) WriteUnwritten(ctx context.Context, offset uint64, data []byte) error {
	return gw.write(ctx, offset, data, true)
}

func (gw *Gateway) write(ctx context.Context, offset uint64, data []byte, unwritten bool) error {
	if !gw.QueryIsActive() {
		return newErr(ErrProtocol, "write", fmt.Errorf("upstairs is not active"))
	}
	if err := gw.throttle.Admit(ctx, len(data)); err != nil {
		return err
	}
	jobs, err := gw.queue.PlanWrite(offset, uint64(len(data)), data, unwritten)
	if err != nil {
		return err
	}
	return gw.submit(ctx, jobs)
}

func (gw *Gateway) Flush(ctx context.Context, snapshotName string) error {
	if !gw.QueryIsActive() {
		return newErr(ErrProtocol, "flush", fmt.Errorf("upstairs is not active"))
	}
	job := gw.queue.PlanFlush()
	return gw.submit(ctx, []*Job{job})
}

// submit registers a multi-job guest op and blocks (on the BlockOp's own
// channel, no lock held) until every job resolves or ctx is done.
func (gw *Gateway) submit(ctx context.Context, jobs []*Job) error {
	kind := OpRead
	if len(jobs) > 0 {
		switch jobs[0].Kind {
		case JobWrite:
			kind = OpWrite
		case JobWriteUnwritten:
			kind = OpWriteUnwritten
		case JobFlush:
			kind = OpFlush
		}
	}
	op := newBlockOp(kind)
	g := gw.table.register(jobs, op)

	done := make(chan BlockOpResult, 1)
	go func() { done <- op.Wait() }()

	select {
	case res := <-done:
		gw.table.forget(g)
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gw *Gateway) ShowWork() WorkSnapshot {
	return WorkSnapshot{
		Active:  gw.queue.ActiveCount(),
		Retired: gw.queue.RetiredSnapshot(),
	}
}
