package upstairs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRegion() RegionDef {
	return RegionDef{ExtentCount: 4, ExtentSize: 8, BlockSize: 512}
}

func TestSpanExtentsWithinOneExtent(t *testing.T) {
	r := testRegion()
	spans, err := r.SpanExtents(0, 512*3)
	require.NoError(t, err)
	require.Equal(t, []ExtentSpan{{ExtentID: 0, BlockInExtent: 0, Length: 3}}, spans)
}

func TestSpanExtentsCrossesExtentBoundary(t *testing.T) {
	r := testRegion()
	// Blocks 6,7 (extent 0) and 0,1,2 (extent 1): offset at block 6, length 5 blocks.
	spans, err := r.SpanExtents(6*512, 5*512)
	require.NoError(t, err)
	require.Equal(t, []ExtentSpan{
		{ExtentID: 0, BlockInExtent: 6, Length: 2},
		{ExtentID: 1, BlockInExtent: 0, Length: 3},
	}, spans)

	var total uint64
	for _, s := range spans {
		total += s.Length
	}
	require.Equal(t, uint64(5), total)
}

func TestSpanExtentsRejectsMisalignment(t *testing.T) {
	r := testRegion()
	_, err := r.SpanExtents(100, 512)
	require.Error(t, err)
	require.Equal(t, ErrAlignment, KindOf(err))
}

func TestSpanExtentsRejectsOutOfBounds(t *testing.T) {
	r := testRegion()
	_, err := r.SpanExtents(r.TotalSize(), 512)
	require.Error(t, err)
}

func TestSpanExtentsRejectsZeroLength(t *testing.T) {
	r := testRegion()
	_, err := r.SpanExtents(0, 0)
	require.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	a := ExtentSpan{ExtentID: 0, BlockInExtent: 0, Length: 4}
	b := ExtentSpan{ExtentID: 0, BlockInExtent: 3, Length: 2}
	c := ExtentSpan{ExtentID: 0, BlockInExtent: 4, Length: 2}
	d := ExtentSpan{ExtentID: 1, BlockInExtent: 0, Length: 4}

	require.True(t, a.Overlaps(b))
	require.False(t, a.Overlaps(c))
	require.False(t, a.Overlaps(d))
}
