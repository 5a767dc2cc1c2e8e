package pmm

import (
	"errors"

	"github.com/sarchlab/vmkit/mem"
)

// ErrOutOfMemory is returned when no frame, or no contiguous run of frames,
// can satisfy an allocation. It is a recoverable condition that callers must
// propagate, never a fatal one.
var ErrOutOfMemory = errors.New("out of physical memory")

// An Allocator hands out physical memory frames.
//
// Allocation failure is reported with ErrOutOfMemory. Deallocating a frame
// that is not currently allocated is a programming error and panics.
type Allocator interface {
	// AllocateFrame allocates one 4KiB frame.
	AllocateFrame() (Frame, error)

	// AllocateFrames allocates n contiguous pages of the given size. The
	// first frame of the returned range is aligned to pageSize.
	AllocateFrames(n int, pageSize mem.PageSize) (FrameRange, error)

	// DeallocateFrame returns one frame to the allocator.
	DeallocateFrame(frame Frame)

	// DeallocateFrames returns a frame range to the allocator.
	DeallocateFrames(r FrameRange)
}
