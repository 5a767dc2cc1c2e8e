// Package vmm manages the reservation of virtual address ranges within a
// bounded window, guaranteeing that no two live segments overlap.
package vmm

import (
	"fmt"

	"github.com/sarchlab/vmkit/mem"
)

// A Segment is a contiguous range of virtual address space,
// [Start, Start+Size). Start is page aligned and Size is a multiple of the
// page size.
type Segment struct {
	Start mem.VAddr
	Size  uint64
}

// NewSegment creates a segment. Misaligned bounds are a programming error.
func NewSegment(start mem.VAddr, size uint64) Segment {
	if !start.IsAligned(mem.PageBytes) {
		panic("segment start is not page aligned")
	}
	if size%mem.PageBytes != 0 {
		panic("segment size is not a multiple of the page size")
	}

	return Segment{Start: start, Size: size}
}

// End returns the first address past the segment.
func (s Segment) End() mem.VAddr {
	return s.Start + mem.VAddr(s.Size)
}

// Overlaps reports whether the two segments share any address.
func (s Segment) Overlaps(other Segment) bool {
	return s.Start < other.End() && other.Start < s.End()
}

// Contains reports whether the address falls inside the segment.
func (s Segment) Contains(addr mem.VAddr) bool {
	return addr >= s.Start && addr < s.End()
}

// NumPages returns the number of pages the segment spans.
func (s Segment) NumPages() uint64 {
	return s.Size >> mem.PageShift
}

func (s Segment) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(s.Start), uint64(s.End()))
}
