// Package pmm tracks the allocation state of the physical memory frames in
// the system.
package pmm

import (
	"fmt"

	"github.com/sarchlab/vmkit/mem"
)

// A Frame identifies one 4KiB physical memory frame by its index. Frame n
// covers physical addresses [n*4096, (n+1)*4096).
type Frame uint64

// Address returns the physical base address of the frame.
func (f Frame) Address() mem.PAddr {
	return mem.PAddr(uint64(f) << mem.PageShift)
}

// FrameContaining returns the frame that covers the given physical address.
func FrameContaining(addr mem.PAddr) Frame {
	return Frame(uint64(addr) >> mem.PageShift)
}

// FrameState describes what a frame is currently used for.
type FrameState uint8

// The frame states. Unusable frames are reserved by the firmware or occupied
// by the kernel image and are never handed out or freed.
const (
	FrameUnusable FrameState = iota
	FrameFree
	FrameAllocated
)

func (s FrameState) String() string {
	switch s {
	case FrameUnusable:
		return "unusable"
	case FrameFree:
		return "free"
	case FrameAllocated:
		return "allocated"
	default:
		return fmt.Sprintf("FrameState(%d)", uint8(s))
	}
}

// A FrameRange is an inclusive range of contiguous frames.
type FrameRange struct {
	First Frame
	Last  Frame
}

// Count returns the number of frames in the range.
func (r FrameRange) Count() uint64 {
	return uint64(r.Last-r.First) + 1
}

// ForEach calls visit for every frame in the range, in ascending order.
func (r FrameRange) ForEach(visit func(Frame)) {
	for f := r.First; f <= r.Last; f++ {
		visit(f)
	}
}
