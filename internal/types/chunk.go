package types

import "fmt"

// BlockRange is an inclusive [Begin, End] block range.
type BlockRange struct {
	Begin uint64
	End   uint64
}

// Covers reports whether block lies within the range.
func (r BlockRange) Covers(block uint64) bool {
	return block >= r.Begin && block <= r.End
}

// Intersects reports whether two ranges overlap.
func (r BlockRange) Intersects(other BlockRange) bool {
	return r.Begin <= other.End && other.Begin <= r.End
}

// DataChunk is one contiguous, non-overlapping block range stored as a
// single object in a dataset's bucket. Chunks within a dataset are totally
// ordered by FirstBlock.
type DataChunk struct {
	FirstBlock uint64
	LastBlock  uint64
	ObjectKey  string
}

// Range returns the chunk's block range.
func (c DataChunk) Range() BlockRange {
	return BlockRange{Begin: c.FirstBlock, End: c.LastBlock}
}

func (c DataChunk) String() string {
	return fmt.Sprintf("chunk[%d,%d]@%s", c.FirstBlock, c.LastBlock, c.ObjectKey)
}
