package downstairs

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/oxidecomputer/crucible/internal/wire"
)

// Server accepts Upstairs connections and speaks the Downstairs half of
// the wire protocol (negotiation, heartbeat and data path) against a
// Store. It is the Downstairs side of the same framing
// internal/wire/codec.go implements for the client.
type Server struct {
	store *Store
	log   zerolog.Logger
}

// NewServer ties a Server to the store it serves.
func NewServer(store *Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: log}
}

// Serve accepts connections on ln until it errors or is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("downstairs: accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	if err := s.negotiate(conn); err != nil {
		log.Warn().Err(err).Msg("negotiation failed")
		return
	}

	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			log.Debug().Err(err).Msg("connection closed")
			return
		}
		if err := s.dispatch(conn, msg); err != nil {
			log.Warn().Err(err).Msg("dispatch failed")
			return
		}
	}
}

func (s *Server) negotiate(conn net.Conn) error {
	req, err := wire.Decode(conn)
	if err != nil {
		return err
	}
	if req.Code != wire.CodeHereIAm {
		return fmt.Errorf("expected HereIAm, got code %d", req.Code)
	}
	if err := wire.Encode(conn, wire.Message{Code: wire.CodeYesItsMe, Version: req.Version}); err != nil {
		return err
	}

	req, err = wire.Decode(conn)
	if err != nil {
		return err
	}
	if req.Code != wire.CodeExtentVersionsPlease {
		return fmt.Errorf("expected ExtentVersionsPlease, got code %d", req.Code)
	}
	return wire.Encode(conn, wire.Message{Code: wire.CodeExtentVersions, ExtentVersions: s.store.Versions()})
}

func (s *Server) dispatch(conn net.Conn, msg wire.Message) error {
	switch msg.Code {
	case wire.CodeRuok:
		return wire.Encode(conn, wire.Message{Code: wire.CodeImok})
	case wire.CodeExtentVersionsPlease:
		return wire.Encode(conn, wire.Message{Code: wire.CodeExtentVersions, ExtentVersions: s.store.Versions()})
	case wire.CodeReadRequest:
		return s.handleRead(conn, msg)
	case wire.CodeWriteRequest:
		return s.handleWrite(conn, msg)
	case wire.CodeFlushRequest:
		return s.handleFlush(conn, msg)
	case wire.CodeExtentClose:
		return s.handleExtentOp(conn, msg, wire.CodeExtentCloseAck)
	case wire.CodeExtentRepair:
		return s.handleExtentOp(conn, msg, wire.CodeExtentRepairAck)
	case wire.CodeExtentReopen:
		return s.handleExtentOp(conn, msg, wire.CodeExtentReopenAck)
	default:
		return fmt.Errorf("unexpected code %d outside negotiation", msg.Code)
	}
}

func (s *Server) handleRead(conn net.Conn, msg wire.Message) error {
	ext, ok := s.store.Extent(msg.ExtentID)
	if !ok {
		return wire.Encode(conn, wire.Message{Code: wire.CodeReadResponse, JobID: msg.JobID, Ok: false, ErrMsg: fmt.Sprintf("no such extent %d", msg.ExtentID)})
	}

	data := make([]byte, 0, msg.Length*ext.BlockSize())
	for i := uint64(0); i < msg.Length; i++ {
		block, err := ext.ReadBlock(msg.BlockInExtent + i)
		if err != nil {
			return wire.Encode(conn, wire.Message{Code: wire.CodeReadResponse, JobID: msg.JobID, Ok: false, ErrMsg: err.Error()})
		}
		data = append(data, block...)
	}
	return wire.Encode(conn, wire.Message{
		Code: wire.CodeReadResponse, JobID: msg.JobID, Ok: true,
		Hash: wire.IntegrityHash(data), Data: data,
	})
}

func (s *Server) handleWrite(conn net.Conn, msg wire.Message) error {
	ext, ok := s.store.Extent(msg.ExtentID)
	if !ok {
		return wire.Encode(conn, wire.Message{Code: wire.CodeWriteResponse, JobID: msg.JobID, Ok: false, ErrMsg: fmt.Sprintf("no such extent %d", msg.ExtentID)})
	}
	if msg.Length == 0 || uint64(len(msg.Data))%msg.Length != 0 {
		return wire.Encode(conn, wire.Message{Code: wire.CodeWriteResponse, JobID: msg.JobID, Ok: false, ErrMsg: "write payload does not divide evenly across its block count"})
	}

	chunk := uint64(len(msg.Data)) / msg.Length
	for i := uint64(0); i < msg.Length; i++ {
		block := msg.Data[i*chunk : (i+1)*chunk]
		if err := ext.WriteBlock(msg.BlockInExtent+i, block, msg.Unwritten); err != nil {
			return wire.Encode(conn, wire.Message{Code: wire.CodeWriteResponse, JobID: msg.JobID, Ok: false, ErrMsg: err.Error()})
		}
	}
	return wire.Encode(conn, wire.Message{Code: wire.CodeWriteResponse, JobID: msg.JobID, Ok: true})
}

func (s *Server) handleFlush(conn net.Conn, msg wire.Message) error {
	s.store.Flush()
	return wire.Encode(conn, wire.Message{Code: wire.CodeFlushResponse, JobID: msg.JobID, Ok: true})
}

// handleExtentOp acks a whole-extent repair-phase request (Close, Repair,
// Reopen) once it has confirmed the extent exists. It does not close,
// copy or reopen anything: the request names no source replica, and no
// extent content is copied between replicas by this or any other path.
func (s *Server) handleExtentOp(conn net.Conn, msg wire.Message, ackCode wire.Code) error {
	if _, ok := s.store.Extent(msg.ExtentID); !ok {
		return wire.Encode(conn, wire.Message{Code: ackCode, JobID: msg.JobID, Ok: false, ErrMsg: fmt.Sprintf("no such extent %d", msg.ExtentID)})
	}
	return wire.Encode(conn, wire.Message{Code: ackCode, JobID: msg.JobID, Ok: true})
}
