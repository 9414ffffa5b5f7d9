package upstairs

import "fmt"

// RegionDef describes the geometry of the virtual disk: ExtentCount
// extents of ExtentSize blocks of BlockSize bytes. All addressing below
// the planner is in blocks; RegionDef is what converts a guest byte
// offset and length into block-aligned extent spans.
type RegionDef struct {
	ExtentCount uint64
	ExtentSize  uint64 // blocks per extent
	BlockSize   uint64 // bytes per block
}

// TotalBlocks returns the number of blocks across the whole region.
func (r RegionDef) TotalBlocks() uint64 {
	return r.ExtentCount * r.ExtentSize
}

// TotalSize returns the region size in bytes.
func (r RegionDef) TotalSize() uint64 {
	return r.TotalBlocks() * r.BlockSize
}

// ExtentSpan is one contiguous run of blocks within a single extent:
// (extent_id, block_in_extent, length) from the data model.
type ExtentSpan struct {
	ExtentID      uint64
	BlockInExtent uint64
	Length        uint64 // in blocks
}

// byteOffset returns the absolute byte offset of this span's first block.
func (r RegionDef) byteOffset(s ExtentSpan) uint64 {
	return (s.ExtentID*r.ExtentSize + s.BlockInExtent) * r.BlockSize
}

// SpanExtents converts a guest byte range into a sequence of per-extent
// block spans. The invariant this must uphold: the concatenation of the
// returned spans exactly covers [offset, offset+length) in order, and the
// sum of span lengths (in blocks) equals length/BlockSize.
func (r RegionDef) SpanExtents(offset, length uint64) ([]ExtentSpan, error) {
	if r.BlockSize == 0 {
		return nil, fmt.Errorf("region has zero block size")
	}
	if offset%r.BlockSize != 0 {
		return nil, newErr(ErrAlignment, "span_extents", fmt.Errorf("offset %d is not block-aligned (block size %d)", offset, r.BlockSize))
	}
	if length%r.BlockSize != 0 {
		return nil, newErr(ErrAlignment, "span_extents", fmt.Errorf("length %d is not block-aligned (block size %d)", length, r.BlockSize))
	}
	if offset+length > r.TotalSize() {
		return nil, newErr(ErrAlignment, "span_extents", fmt.Errorf("range [%d, %d) exceeds region size %d", offset, offset+length, r.TotalSize()))
	}
	if length == 0 {
		return nil, newErr(ErrAlignment, "span_extents", fmt.Errorf("zero-length request"))
	}

	firstBlock := offset / r.BlockSize
	numBlocks := length / r.BlockSize
	lastBlock := firstBlock + numBlocks - 1

	var spans []ExtentSpan
	block := firstBlock
	for block <= lastBlock {
		extentID := block / r.ExtentSize
		blockInExtent := block % r.ExtentSize
		remainingInExtent := r.ExtentSize - blockInExtent
		remainingRequested := lastBlock - block + 1
		runLen := remainingInExtent
		if remainingRequested < runLen {
			runLen = remainingRequested
		}
		spans = append(spans, ExtentSpan{
			ExtentID:      extentID,
			BlockInExtent: blockInExtent,
			Length:        runLen,
		})
		block += runLen
	}
	return spans, nil
}

// Overlaps reports whether two spans share any extent/block range.
func (a ExtentSpan) Overlaps(b ExtentSpan) bool {
	if a.ExtentID != b.ExtentID {
		return false
	}
	aStart, aEnd := a.BlockInExtent, a.BlockInExtent+a.Length
	bStart, bEnd := b.BlockInExtent, b.BlockInExtent+b.Length
	return aStart < bEnd && bStart < aEnd
}

// spansOverlapAny reports whether any span in a overlaps any span in b.
func spansOverlapAny(a, b []ExtentSpan) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}
