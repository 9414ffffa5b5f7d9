package wire

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{Code: CodeHereIAm, Version: 4},
		{Code: CodeYesItsMe, Version: 4},
		{Code: CodeRuok},
		{Code: CodeImok},
		{Code: CodeExtentVersionsPlease},
		{Code: CodeExtentVersions, ExtentVersions: []uint64{1, 2, 3, 4, math.MaxUint64, 1, 0}},
		{Code: CodeExtentVersions, ExtentVersions: nil},
	}

	for _, msg := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, msg))

		got, err := Decode(&buf)
		require.NoError(t, err)
		require.Equal(t, msg.Code, got.Code)
		require.Equal(t, msg.Version, got.Version)
		require.Equal(t, msg.ExtentVersions, got.ExtentVersions)
	}
}

func TestEncodeDecodeDataPathRoundTrip(t *testing.T) {
	cases := []Message{
		{Code: CodeReadRequest, JobID: 7, ExtentID: 2, BlockInExtent: 5, Length: 3},
		{Code: CodeReadResponse, JobID: 7, Ok: true, Hash: 0xabc, Data: []byte("block data")},
		{Code: CodeReadResponse, JobID: 7, Ok: false, ErrMsg: "no such extent"},
		{Code: CodeWriteRequest, JobID: 8, ExtentID: 1, BlockInExtent: 0, Length: 2, Unwritten: true, Data: []byte("payload bytes")},
		{Code: CodeWriteResponse, JobID: 8, Ok: true},
		{Code: CodeWriteResponse, JobID: 8, Ok: false, ErrMsg: "out of range"},
		{Code: CodeFlushRequest, JobID: 9},
		{Code: CodeFlushResponse, JobID: 9, Ok: true},
		{Code: CodeExtentClose, JobID: 10, ExtentID: 4},
		{Code: CodeExtentCloseAck, JobID: 10, Ok: true},
		{Code: CodeExtentRepair, JobID: 11, ExtentID: 4},
		{Code: CodeExtentRepairAck, JobID: 11, Ok: false, ErrMsg: "source unreachable"},
		{Code: CodeExtentReopen, JobID: 12, ExtentID: 4},
		{Code: CodeExtentReopenAck, JobID: 12, Ok: true},
	}

	for _, msg := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, msg))

		got, err := Decode(&buf)
		require.NoError(t, err)
		require.Equal(t, msg.Code, got.Code)
		require.Equal(t, msg.JobID, got.JobID)
		require.Equal(t, msg.ExtentID, got.ExtentID)
		require.Equal(t, msg.BlockInExtent, got.BlockInExtent)
		require.Equal(t, msg.Length, got.Length)
		require.Equal(t, msg.Unwritten, got.Unwritten)
		require.Equal(t, msg.Data, got.Data)
		require.Equal(t, msg.Hash, got.Hash)
		require.Equal(t, msg.Ok, got.Ok)
		require.Equal(t, msg.ErrMsg, got.ErrMsg)
	}
}

func TestDecodeRejectsInvalidCode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{Code: CodeRuok}))
	raw := buf.Bytes()
	raw[4], raw[5], raw[6], raw[7] = 0, 0, 0, 0 // overwrite code with 0

	_, err := Decode(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestDecodeUnknownCodePassesThrough(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{Code: Code(200), Unknown: []byte("future extension")}))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, Code(200), got.Code)
	require.Equal(t, []byte("future extension"), got.Unknown)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	huge := make([]uint64, MaxFrameLen)
	var buf bytes.Buffer
	err := Encode(&buf, Message{Code: CodeExtentVersions, ExtentVersions: huge})
	require.Error(t, err)
}
