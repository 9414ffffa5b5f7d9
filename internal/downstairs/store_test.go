package downstairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 2, 4, 512)
	require.NoError(t, err)
	defer s.Close()

	e, ok := s.Extent(0)
	require.True(t, ok)

	data := make([]byte, 512)
	copy(data, "hello extent")
	require.NoError(t, e.WriteBlock(1, data, false))

	got, err := e.ReadBlock(1)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, uint64(1), e.Version())
	require.True(t, e.Dirty())
}

func TestWriteUnwrittenSkipsDirtyBlocks(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 2, 512)
	require.NoError(t, err)
	defer s.Close()

	e, _ := s.Extent(0)
	first := make([]byte, 512)
	copy(first, "first")
	require.NoError(t, e.WriteBlock(0, first, true))

	second := make([]byte, 512)
	copy(second, "second")
	require.NoError(t, e.WriteBlock(0, second, true))

	got, err := e.ReadBlock(0)
	require.NoError(t, err)
	require.Equal(t, first, got, "write_unwritten must not overwrite a dirty extent")
}

func TestReplayRestoresStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, 2, 512)
	require.NoError(t, err)

	e, _ := s.Extent(0)
	data := make([]byte, 512)
	copy(data, "durable")
	require.NoError(t, e.WriteBlock(1, data, false))
	require.NoError(t, s.Close())

	s2, err := Open(dir, 1, 2, 512)
	require.NoError(t, err)
	defer s2.Close()

	e2, _ := s2.Extent(0)
	got, err := e2.ReadBlock(1)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, uint64(1), e2.Version())
}

func TestFlushClearsDirty(t *testing.T) {
	s, err := Open(t.TempDir(), 1, 1, 512)
	require.NoError(t, err)
	defer s.Close()

	e, _ := s.Extent(0)
	require.NoError(t, e.WriteBlock(0, make([]byte, 512), false))
	require.True(t, e.Dirty())

	s.Flush()
	require.False(t, e.Dirty())
}

func TestVersionsReportsPerExtentGeneration(t *testing.T) {
	s, err := Open(t.TempDir(), 3, 1, 512)
	require.NoError(t, err)
	defer s.Close()

	e1, _ := s.Extent(1)
	require.NoError(t, e1.WriteBlock(0, make([]byte, 512), false))

	versions := s.Versions()
	require.Equal(t, []uint64{0, 1, 0}, versions)
}
