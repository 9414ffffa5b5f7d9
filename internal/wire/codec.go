// Package wire implements the length-prefixed binary framing spoken
// between an Upstairs and its Downstairs replicas, plus the optional
// AEAD and integrity-hash helpers layered over block payloads.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame (header included) at 1 MiB, matching
// the protocol's wire limit — anything larger is a protocol violation,
// not a larger-buffer request.
const MaxFrameLen = 1024 * 1024

// headerLen is the 4-byte length prefix plus the 4-byte message code.
const headerLen = 8

// Code identifies the message variant that follows the header.
type Code uint32

const (
	CodeInvalid              Code = 0
	CodeHereIAm              Code = 1
	CodeYesItsMe             Code = 2
	CodeRuok                 Code = 3
	CodeImok                 Code = 4
	CodeExtentVersionsPlease Code = 5
	CodeExtentVersions       Code = 6

	// Data-path codes. Each request code is answered by exactly one
	// matching response/ack code on the same connection, carrying the
	// same JobID so a pipelined caller can match replies out of order.
	CodeReadRequest  Code = 7
	CodeReadResponse Code = 8

	CodeWriteRequest  Code = 9
	CodeWriteResponse Code = 10

	CodeFlushRequest  Code = 11
	CodeFlushResponse Code = 12

	CodeExtentClose    Code = 13
	CodeExtentCloseAck Code = 14

	CodeExtentRepair    Code = 15
	CodeExtentRepairAck Code = 16

	CodeExtentReopen    Code = 17
	CodeExtentReopenAck Code = 18
)

// Message is the decoded form of one frame. Only the fields relevant to
// Code are populated; the zero value of the others is ignored by Encode.
type Message struct {
	Code Code

	// Version carries HereIAm's and YesItsMe's negotiated protocol
	// version.
	Version uint32

	// ExtentVersions carries ExtentVersions' per-extent generation
	// numbers, in extent order.
	ExtentVersions []uint64

	// JobID correlates a data-path request with its response/ack.
	JobID uint64

	// ExtentID and BlockInExtent address a data-path request's target;
	// BlockInExtent is unused by the whole-extent repair codes.
	ExtentID      uint64
	BlockInExtent uint64

	// Length is the block count of a ReadRequest or WriteRequest.
	Length uint64

	// Unwritten restricts a WriteRequest to blocks the replica hasn't
	// already accepted a write for.
	Unwritten bool

	// Data carries a WriteRequest's payload or a successful ReadResponse's
	// result.
	Data []byte

	// Hash is the integrity hash of Data on a successful ReadResponse.
	Hash uint64

	// Ok reports whether a response/ack succeeded; ErrMsg is populated
	// when it didn't.
	Ok     bool
	ErrMsg string

	// Unknown carries the raw payload of a code this decoder doesn't
	// recognize, so a newer peer's extension frames can still be
	// forwarded or logged rather than rejected outright.
	Unknown []byte
}

// Encode writes one frame for msg to w.
func Encode(w io.Writer, msg Message) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	total := headerLen + len(payload)
	if total > MaxFrameLen {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", total, MaxFrameLen)
	}

	header := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(header[0:4], uint32(total))
	binary.LittleEndian.PutUint32(header[4:8], uint32(msg.Code))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

func encodePayload(msg Message) ([]byte, error) {
	switch msg.Code {
	case CodeHereIAm, CodeYesItsMe:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, msg.Version)
		return buf, nil
	case CodeRuok, CodeImok, CodeExtentVersionsPlease:
		return nil, nil
	case CodeExtentVersions:
		buf := make([]byte, 4+8*len(msg.ExtentVersions))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(msg.ExtentVersions)))
		for i, v := range msg.ExtentVersions {
			binary.LittleEndian.PutUint64(buf[4+8*i:4+8*i+8], v)
		}
		return buf, nil
	case CodeReadRequest:
		buf := make([]byte, 32)
		binary.LittleEndian.PutUint64(buf[0:8], msg.JobID)
		binary.LittleEndian.PutUint64(buf[8:16], msg.ExtentID)
		binary.LittleEndian.PutUint64(buf[16:24], msg.BlockInExtent)
		binary.LittleEndian.PutUint64(buf[24:32], msg.Length)
		return buf, nil

	case CodeReadResponse:
		return encodeDataResult(msg), nil

	case CodeWriteRequest:
		head := make([]byte, 33)
		binary.LittleEndian.PutUint64(head[0:8], msg.JobID)
		binary.LittleEndian.PutUint64(head[8:16], msg.ExtentID)
		binary.LittleEndian.PutUint64(head[16:24], msg.BlockInExtent)
		binary.LittleEndian.PutUint64(head[24:32], msg.Length)
		if msg.Unwritten {
			head[32] = 1
		}
		return append(head, msg.Data...), nil

	case CodeFlushRequest:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, msg.JobID)
		return buf, nil

	case CodeExtentClose, CodeExtentRepair, CodeExtentReopen:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], msg.JobID)
		binary.LittleEndian.PutUint64(buf[8:16], msg.ExtentID)
		return buf, nil

	case CodeWriteResponse, CodeFlushResponse, CodeExtentCloseAck, CodeExtentRepairAck, CodeExtentReopenAck:
		return encodeAck(msg), nil

	case CodeInvalid:
		return nil, fmt.Errorf("wire: cannot encode CodeInvalid")
	default:
		return msg.Unknown, nil
	}
}

// encodeAck frames the common "JobID, then Ok, then ErrMsg if !Ok" shape
// shared by every data-path response that carries no payload of its own.
func encodeAck(msg Message) []byte {
	buf := make([]byte, 8, 13+len(msg.ErrMsg))
	binary.LittleEndian.PutUint64(buf, msg.JobID)
	if msg.Ok {
		return append(buf, 1)
	}
	buf = append(buf, 0)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(msg.ErrMsg)))
	buf = append(buf, lenBuf...)
	return append(buf, msg.ErrMsg...)
}

func decodeAck(code Code, payload []byte) (Message, error) {
	if len(payload) < 9 {
		return Message{}, fmt.Errorf("wire: code %d ack payload too short", code)
	}
	jobID := binary.LittleEndian.Uint64(payload[0:8])
	ok := payload[8] != 0
	if ok {
		return Message{Code: code, JobID: jobID, Ok: true}, nil
	}
	if len(payload) < 13 {
		return Message{}, fmt.Errorf("wire: code %d ack missing error length", code)
	}
	n := binary.LittleEndian.Uint32(payload[9:13])
	if len(payload) != 13+int(n) {
		return Message{}, fmt.Errorf("wire: code %d ack declares %d-byte error but payload is %d bytes", code, n, len(payload)-13)
	}
	return Message{Code: code, JobID: jobID, Ok: false, ErrMsg: string(payload[13 : 13+n])}, nil
}

// encodeDataResult frames ReadResponse: JobID, Ok, then either
// (Hash, DataLen, Data) or (ErrMsgLen, ErrMsg).
func encodeDataResult(msg Message) []byte {
	buf := make([]byte, 8, 21+len(msg.Data)+len(msg.ErrMsg))
	binary.LittleEndian.PutUint64(buf, msg.JobID)
	if !msg.Ok {
		buf = append(buf, 0)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(msg.ErrMsg)))
		buf = append(buf, lenBuf...)
		return append(buf, msg.ErrMsg...)
	}
	buf = append(buf, 1)
	hashBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(hashBuf, msg.Hash)
	buf = append(buf, hashBuf...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(msg.Data)))
	buf = append(buf, lenBuf...)
	return append(buf, msg.Data...)
}

func decodeDataResult(code Code, payload []byte) (Message, error) {
	if len(payload) < 9 {
		return Message{}, fmt.Errorf("wire: code %d result payload too short", code)
	}
	jobID := binary.LittleEndian.Uint64(payload[0:8])
	ok := payload[8] != 0
	if !ok {
		if len(payload) < 13 {
			return Message{}, fmt.Errorf("wire: code %d result missing error length", code)
		}
		n := binary.LittleEndian.Uint32(payload[9:13])
		if len(payload) != 13+int(n) {
			return Message{}, fmt.Errorf("wire: code %d result declares %d-byte error but payload is %d bytes", code, n, len(payload)-13)
		}
		return Message{Code: code, JobID: jobID, Ok: false, ErrMsg: string(payload[13 : 13+n])}, nil
	}
	if len(payload) < 21 {
		return Message{}, fmt.Errorf("wire: code %d result missing hash/length", code)
	}
	hash := binary.LittleEndian.Uint64(payload[9:17])
	n := binary.LittleEndian.Uint32(payload[17:21])
	if len(payload) != 21+int(n) {
		return Message{}, fmt.Errorf("wire: code %d declares %d-byte data but payload is %d bytes", code, n, len(payload)-21)
	}
	return Message{Code: code, JobID: jobID, Ok: true, Hash: hash, Data: payload[21 : 21+n]}, nil
}

// Decode reads exactly one frame from r.
func Decode(r io.Reader) (Message, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	total := binary.LittleEndian.Uint32(header[0:4])
	code := Code(binary.LittleEndian.Uint32(header[4:8]))

	if total < headerLen {
		return Message{}, fmt.Errorf("wire: frame length %d shorter than header", total)
	}
	if total > MaxFrameLen {
		return Message{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", total, MaxFrameLen)
	}
	if code == CodeInvalid {
		return Message{}, fmt.Errorf("wire: received code 0 (invalid)")
	}

	payload := make([]byte, total-headerLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return decodePayload(code, payload)
}

func decodePayload(code Code, payload []byte) (Message, error) {
	switch code {
	case CodeHereIAm, CodeYesItsMe:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("wire: code %d expects 4-byte payload, got %d", code, len(payload))
		}
		return Message{Code: code, Version: binary.LittleEndian.Uint32(payload)}, nil
	case CodeRuok, CodeImok, CodeExtentVersionsPlease:
		return Message{Code: code}, nil
	case CodeExtentVersions:
		if len(payload) < 4 {
			return Message{}, fmt.Errorf("wire: ExtentVersions payload too short")
		}
		n := binary.LittleEndian.Uint32(payload[0:4])
		want := 4 + 8*int(n)
		if len(payload) != want {
			return Message{}, fmt.Errorf("wire: ExtentVersions declares %d entries but payload is %d bytes", n, len(payload))
		}
		var versions []uint64
		if n > 0 {
			versions = make([]uint64, n)
		}
		for i := range versions {
			off := 4 + 8*i
			versions[i] = binary.LittleEndian.Uint64(payload[off : off+8])
		}
		return Message{Code: code, ExtentVersions: versions}, nil

	case CodeReadRequest:
		if len(payload) != 32 {
			return Message{}, fmt.Errorf("wire: ReadRequest expects 32-byte payload, got %d", len(payload))
		}
		return Message{
			Code:          code,
			JobID:         binary.LittleEndian.Uint64(payload[0:8]),
			ExtentID:      binary.LittleEndian.Uint64(payload[8:16]),
			BlockInExtent: binary.LittleEndian.Uint64(payload[16:24]),
			Length:        binary.LittleEndian.Uint64(payload[24:32]),
		}, nil

	case CodeReadResponse:
		return decodeDataResult(code, payload)

	case CodeWriteRequest:
		if len(payload) < 33 {
			return Message{}, fmt.Errorf("wire: WriteRequest payload too short")
		}
		return Message{
			Code:          code,
			JobID:         binary.LittleEndian.Uint64(payload[0:8]),
			ExtentID:      binary.LittleEndian.Uint64(payload[8:16]),
			BlockInExtent: binary.LittleEndian.Uint64(payload[16:24]),
			Length:        binary.LittleEndian.Uint64(payload[24:32]),
			Unwritten:     payload[32] != 0,
			Data:          payload[33:],
		}, nil

	case CodeFlushRequest:
		if len(payload) != 8 {
			return Message{}, fmt.Errorf("wire: FlushRequest expects 8-byte payload, got %d", len(payload))
		}
		return Message{Code: code, JobID: binary.LittleEndian.Uint64(payload)}, nil

	case CodeExtentClose, CodeExtentRepair, CodeExtentReopen:
		if len(payload) != 16 {
			return Message{}, fmt.Errorf("wire: code %d expects 16-byte payload, got %d", code, len(payload))
		}
		return Message{
			Code:     code,
			JobID:    binary.LittleEndian.Uint64(payload[0:8]),
			ExtentID: binary.LittleEndian.Uint64(payload[8:16]),
		}, nil

	case CodeWriteResponse, CodeFlushResponse, CodeExtentCloseAck, CodeExtentRepairAck, CodeExtentReopenAck:
		return decodeAck(code, payload)

	default:
		return Message{Code: code, Unknown: payload}, nil
	}
}
