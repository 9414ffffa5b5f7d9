package upstairs

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/oxidecomputer/crucible/internal/telemetry"
)

// Upstairs is the top-level replication engine: one Gateway serving
// guest IO, one WorkQueue planning and tracking jobs, and three
// ClientTasks each driving one Downstairs replica. It satisfies
// BlockIO by delegating straight to its Gateway.
type Upstairs struct {
	BlockIO

	cfg     Config
	gateway *Gateway
	queue   *WorkQueue
	clients [NumClients]*ClientTask
	stats   *telemetry.Stats
	log     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Upstairs from cfg. Targets[i] is the dial address
// for client i. Call Start to begin connecting.
func New(cfg Config, reg prometheus.Registerer, log zerolog.Logger) (*Upstairs, error) {
	cfg = cfg.WithDefaults()
	if cfg.Region.BlockSize == 0 {
		return nil, fmt.Errorf("upstairs: region block size must be non-zero")
	}

	queue := NewWorkQueue(cfg.Region, cfg.RetireQueueLen)
	throttle := NewThrottle(cfg.IOPLimit, cfg.IOPUnitSize, cfg.BWLimit)
	gateway := NewGateway(cfg.Region, queue, throttle)

	u := &Upstairs{
		cfg:     cfg,
		gateway: gateway,
		queue:   queue,
		stats:   telemetry.NewStats(reg, gateway.UUID()),
		log:     log.With().Str("uuid", gateway.UUID()).Logger(),
	}
	u.BlockIO = gateway

	for i := ClientID(0); i < NumClients; i++ {
		u.clients[i] = NewClientTask(i, cfg.Targets[i], queue, gateway.Acker(), gateway.Table(), u.log, cfg)
	}
	gateway.SetClients(u.clients)
	return u, nil
}

// Start launches every client task's connect/negotiate/pump loop in its
// own goroutine. It returns immediately; Activate still blocks until
// quorum is reached.
func (u *Upstairs) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	for i := range u.clients {
		u.wg.Add(1)
		task := u.clients[i]
		go func() {
			defer u.wg.Done()
			task.Run(ctx)
		}()
	}
}

// Stop cancels every client task and waits for them to exit.
func (u *Upstairs) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// Reconcile compares extent versions across all three clients (normally
// called once every client has reached WaitQuorum) and, if any extent
// disagrees, repairs it before returning nil. Callers typically run
// this once before the first Activate call succeeds.
func (u *Upstairs) Reconcile() error {
	r := NewReconciler(u.queue, u.gateway.Acker(), u.clients)
	tasks := r.Plan(u.cfg.Region.ExtentCount)
	if len(tasks) == 0 {
		return nil
	}
	return r.Run(tasks)
}

// BeginLiveRepair starts repairing client c in the background while
// guest IO continues, advancing its cursor extent-by-extent.
func (u *Upstairs) BeginLiveRepair(ctx context.Context, c ClientID) error {
	if err := u.clients[c].State().Transition(PhaseRepair); err != nil {
		return err
	}
	lr := NewLiveRepair(c, u.cfg.Region.ExtentCount)
	u.clients[c].SetLiveRepair(lr)
	u.clients[c].State().SetRepairCursor(ptr(uint64(0)))

	go func() {
		defer u.clients[c].SetLiveRepair(nil)
		defer u.clients[c].State().SetRepairCursor(nil)

		for !lr.Done() {
			if ctx.Err() != nil {
				_ = u.clients[c].State().Transition(PhaseFailedRepair)
				return
			}
			job := u.queue.PlanRepair(JobExtentRepair, lr.Cursor())
			r := NewReconciler(u.queue, u.gateway.Acker(), u.clients)
			if err := r.awaitTerminal(job); err != nil {
				_ = u.clients[c].State().Transition(PhaseFailedRepair)
				return
			}
			lr.Advance()
			limit := lr.Cursor()
			u.clients[c].State().SetRepairCursor(&limit)
		}
		_ = u.clients[c].State().Transition(PhaseActive)
	}()
	return nil
}

func ptr[T any](v T) *T { return &v }
