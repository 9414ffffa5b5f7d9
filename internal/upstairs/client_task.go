package upstairs

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidecomputer/crucible/internal/wire"
)

// protocolVersion is negotiated with every Downstairs on connect.
const protocolVersion = 4

// ClientTask owns the network connection and job pump for one
// Downstairs replica. One runs per ClientID for the lifetime of an
// Upstairs.
type ClientTask struct {
	id    ClientID
	state *ClientState
	queue *WorkQueue
	acker *Acker
	table *GtoSTable
	log   zerolog.Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	dialFunc func(ctx context.Context, addr string) (net.Conn, error)

	repair atomic.Pointer[LiveRepair]
	crypto *wire.EncryptionContext
}

// SetLiveRepair attaches (or clears, with nil) an in-progress live
// repair driver. While set, drainEligible consults it before routing
// any job to this replica.
func (t *ClientTask) SetLiveRepair(lr *LiveRepair) {
	t.repair.Store(lr)
}

// NewClientTask wires a ClientTask to the shared WorkQueue/Acker/GtoS
// table a Gateway already constructed.
func NewClientTask(id ClientID, target string, queue *WorkQueue, acker *Acker, table *GtoSTable, log zerolog.Logger, cfg Config) *ClientTask {
	t := &ClientTask{
		id:           id,
		state:        NewClientState(id, target),
		queue:        queue,
		acker:        acker,
		table:        table,
		log:          log.With().Int("client", int(id)).Str("target", target).Logger(),
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		dialFunc: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if cfg.EncryptionKey != nil {
		if ctx, err := wire.NewEncryptionContext(*cfg.EncryptionKey); err == nil {
			t.crypto = ctx
		} else {
			t.log.Warn().Err(err).Msg("encryption disabled: failed to construct AEAD context")
		}
	}
	return t
}

// State exposes the client's state machine for the reconciler and
// live-repair driver.
func (t *ClientTask) State() *ClientState { return t.state }

// Run connects, negotiates, and pumps jobs until ctx is cancelled,
// reconnecting with exponential backoff on any failure.
func (t *ClientTask) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.runOnce(ctx); err != nil {
			t.log.Warn().Err(err).Msg("client session ended")
			_ = t.state.Transition(PhaseFaulted)
			skipped := t.queue.SkipAllFor(t.id)
			t.state.RecordSkipped(skipped...)
			for _, id := range skipped {
				if j, ok := t.queue.GetJob(id); ok {
					t.acker.Evaluate(j)
				}
			}
		} else {
			continue
		}

		backoff := t.state.NextBackoff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		_ = t.state.Transition(PhaseWaitActive)
	}
}

// runOnce performs one connect-negotiate-pump cycle; any error returned
// means the connection is considered lost.
func (t *ClientTask) runOnce(ctx context.Context) error {
	conn, err := t.dialFunc(ctx, t.state.Target)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if t.state.Phase() != PhaseWaitActive {
		if err := t.state.Transition(PhaseWaitActive); err != nil {
			return err
		}
	}
	if err := t.negotiate(conn); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	t.state.ResetBackoff()
	if err := t.state.Transition(PhaseWaitQuorum); err != nil {
		return err
	}

	return t.pump(ctx, conn)
}

func (t *ClientTask) negotiate(conn net.Conn) error {
	if err := wire.Encode(conn, wire.Message{Code: wire.CodeHereIAm, Version: protocolVersion}); err != nil {
		return err
	}
	reply, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if reply.Code != wire.CodeYesItsMe {
		return fmt.Errorf("expected YesItsMe, got code %d", reply.Code)
	}
	if reply.Version != protocolVersion {
		return newErr(ErrProtocol, "negotiate", fmt.Errorf("version mismatch: local %d, remote %d", protocolVersion, reply.Version))
	}

	if err := wire.Encode(conn, wire.Message{Code: wire.CodeExtentVersionsPlease}); err != nil {
		return err
	}
	versions, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if versions.Code != wire.CodeExtentVersions {
		return fmt.Errorf("expected ExtentVersions, got code %d", versions.Code)
	}
	t.state.SetExtentVersions(versions.ExtentVersions)
	return nil
}

// pump drains eligible jobs for this client, sends heartbeats, and
// reports per-job completion back through the Acker until the
// connection errors or ctx ends.
func (t *ClientTask) pump(ctx context.Context, conn net.Conn) error {
	if err := t.state.Transition(PhaseActive); err != nil {
		return err
	}

	heartbeat := time.NewTicker(t.pingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			t.state.Pinged(time.Now())
			if err := wire.Encode(conn, wire.Message{Code: wire.CodeRuok}); err != nil {
				return err
			}
			_ = conn.SetReadDeadline(time.Now().Add(t.pingTimeout))
			reply, err := wire.Decode(conn)
			_ = conn.SetReadDeadline(time.Time{})
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			if reply.Code != wire.CodeImok {
				return fmt.Errorf("expected Imok, got code %d", reply.Code)
			}
			t.state.Ponged(time.Now())
			if t.state.TimedOut(t.pingTimeout, time.Now()) {
				return fmt.Errorf("heartbeat timeout")
			}
		case <-t.queue.Wake():
			if err := t.drainEligible(conn); err != nil {
				return err
			}
		default:
			if err := t.drainEligible(conn); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// drainEligible processes every job currently eligible for this client
// without blocking; it returns as soon as none remain.
func (t *ClientTask) drainEligible(conn net.Conn) error {
	for {
		job := t.queue.NextJobFor(t.id)
		if job == nil {
			return nil
		}
		if lr := t.repair.Load(); lr != nil && job.Kind != JobExtentRepair && job.Kind != JobExtentClose && job.Kind != JobExtentReopen && !lr.SendIOLiveRepair(job) {
			job.SetState(t.id, IOStateSkipped)
			t.state.RecordSkipped(job.ID)
			t.acker.Evaluate(job)
			t.queue.Notify()
			continue
		}
		if err := t.execute(conn, job); err != nil {
			job.SetError(t.id, err)
			t.acker.Evaluate(job)
			t.queue.Notify()
			return err
		}
		t.acker.Evaluate(job)
		t.queue.Notify()
	}
}

// execute performs one job's IO against the replica over the data-path
// extension codes (internal/wire/codec.go's Read/Write/Flush/extent-op
// request-response pairs), recording the first accepted hash on read jobs
// and rejecting a later replica's response whose hash differs from it.
func (t *ClientTask) execute(conn net.Conn, job *Job) error {
	job.SetState(t.id, IOStateInProgress)

	switch job.Kind {
	case JobRead:
		return t.executeRead(conn, job)
	case JobWrite, JobWriteUnwritten:
		return t.executeWrite(conn, job)
	case JobFlush:
		return t.executeFlush(conn, job)
	case JobExtentClose:
		return t.executeExtentOp(conn, job, wire.CodeExtentClose, wire.CodeExtentCloseAck)
	case JobExtentRepair:
		return t.executeExtentOp(conn, job, wire.CodeExtentRepair, wire.CodeExtentRepairAck)
	case JobExtentReopen:
		return t.executeExtentOp(conn, job, wire.CodeExtentReopen, wire.CodeExtentReopenAck)
	default:
		job.SetState(t.id, IOStateDone)
		return nil
	}
}

func (t *ClientTask) executeRead(conn net.Conn, job *Job) error {
	span := job.Spans[0]
	req := wire.Message{
		Code: wire.CodeReadRequest, JobID: uint64(job.ID),
		ExtentID: span.ExtentID, BlockInExtent: span.BlockInExtent, Length: span.Length,
	}
	if err := wire.Encode(conn, req); err != nil {
		return err
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if resp.Code != wire.CodeReadResponse {
		return fmt.Errorf("expected ReadResponse, got code %d", resp.Code)
	}
	if !resp.Ok {
		return newErr(ErrTransientReplica, "read", fmt.Errorf("%s", resp.ErrMsg))
	}
	if wire.IntegrityHash(resp.Data) != resp.Hash {
		return newErr(ErrIntegrity, "read", fmt.Errorf("wire transit hash mismatch for job %d", job.ID))
	}

	data := resp.Data
	if t.crypto != nil && span.Length > 0 && len(data) > 0 {
		blockLen := uint64(len(data)) / span.Length
		plain := make([]byte, 0, len(data))
		for i := uint64(0); i < span.Length; i++ {
			chunk := make([]byte, blockLen)
			copy(chunk, data[i*blockLen:(i+1)*blockLen])
			if err := t.crypto.DecryptInPlace(chunk, make([]byte, wire.NonceSize)); err != nil {
				return newErr(ErrIntegrity, "read", err)
			}
			plain = append(plain, chunk[:blockLen-uint64(wire.TagSize)]...)
		}
		data = plain
	}

	h := wire.IntegrityHash(data)
	job.mu.Lock()
	if job.AcceptedHash != nil && *job.AcceptedHash != h {
		job.mu.Unlock()
		return newErr(ErrIntegrity, "read", fmt.Errorf("response hash disagrees with the hash already accepted for job %d", job.ID))
	}
	if job.AcceptedHash == nil {
		job.ReadBuf = data
		job.AcceptedHash = &h
	}
	job.mu.Unlock()
	job.SetState(t.id, IOStateDone)
	return nil
}

func (t *ClientTask) executeWrite(conn net.Conn, job *Job) error {
	span := job.Spans[0]
	data := job.WriteData

	if t.crypto != nil && span.Length > 0 && len(data) > 0 {
		blockLen := uint64(len(data)) / span.Length
		sealed := make([]byte, 0, len(data)+int(span.Length)*wire.TagSize)
		for i := uint64(0); i < span.Length; i++ {
			plain := data[i*blockLen : (i+1)*blockLen]
			_, ciphertext, err := t.crypto.Encrypt(plain)
			if err != nil {
				return newErr(ErrIntegrity, "write", err)
			}
			sealed = append(sealed, ciphertext...)
		}
		data = sealed
	}

	req := wire.Message{
		Code: wire.CodeWriteRequest, JobID: uint64(job.ID),
		ExtentID: span.ExtentID, BlockInExtent: span.BlockInExtent, Length: span.Length,
		Unwritten: job.Kind == JobWriteUnwritten, Data: data,
	}
	if err := wire.Encode(conn, req); err != nil {
		return err
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if resp.Code != wire.CodeWriteResponse {
		return fmt.Errorf("expected WriteResponse, got code %d", resp.Code)
	}
	if !resp.Ok {
		return newErr(ErrTransientReplica, "write", fmt.Errorf("%s", resp.ErrMsg))
	}

	job.SetState(t.id, IOStateDone)
	return nil
}

func (t *ClientTask) executeFlush(conn net.Conn, job *Job) error {
	if err := wire.Encode(conn, wire.Message{Code: wire.CodeFlushRequest, JobID: uint64(job.ID)}); err != nil {
		return err
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if resp.Code != wire.CodeFlushResponse {
		return fmt.Errorf("expected FlushResponse, got code %d", resp.Code)
	}
	if !resp.Ok {
		return newErr(ErrTransientReplica, "flush", fmt.Errorf("%s", resp.ErrMsg))
	}

	job.SetState(t.id, IOStateDone)
	return nil
}

func (t *ClientTask) executeExtentOp(conn net.Conn, job *Job, reqCode, ackCode wire.Code) error {
	span := job.Spans[0]
	if err := wire.Encode(conn, wire.Message{Code: reqCode, JobID: uint64(job.ID), ExtentID: span.ExtentID}); err != nil {
		return err
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if resp.Code != ackCode {
		return fmt.Errorf("expected code %d, got %d", ackCode, resp.Code)
	}
	if !resp.Ok {
		return newErr(ErrTransientReplica, job.Kind.String(), fmt.Errorf("%s", resp.ErrMsg))
	}

	job.SetState(t.id, IOStateDone)
	return nil
}
