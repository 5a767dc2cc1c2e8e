package pmm

import "github.com/sarchlab/vmkit/mem"

// A BumpAllocator is the forward-only bootstrap stage of the frame
// allocator. It walks the firmware memory map directly and never
// deallocates, so it works before any frame table exists.
type BumpAllocator struct {
	memoryMap MemoryMap
	nextFrame uint64
}

// NewBumpAllocator creates a bootstrap allocator over the memory map.
func NewBumpAllocator(m MemoryMap) *BumpAllocator {
	return &BumpAllocator{memoryMap: m}
}

// AllocatedCount returns the number of frames handed out so far.
func (a *BumpAllocator) AllocatedCount() uint64 {
	return a.nextFrame
}

// AllocateFrame hands out the next usable frame.
func (a *BumpAllocator) AllocateFrame() (Frame, error) {
	var (
		frame Frame
		found bool
		index uint64
	)
	a.memoryMap.visitUsableFrames(func(f Frame) bool {
		if index == a.nextFrame {
			frame = f
			found = true
			return false
		}
		index++
		return true
	})

	if !found {
		return 0, ErrOutOfMemory
	}

	a.nextFrame++

	return frame, nil
}

// AllocateFrames is not supported before the frame table exists.
func (a *BumpAllocator) AllocateFrames(int, mem.PageSize) (FrameRange, error) {
	panic("the bootstrap frame allocator does not support contiguous allocation")
}

// DeallocateFrame is not supported by the bootstrap allocator.
func (a *BumpAllocator) DeallocateFrame(Frame) {
	panic("the bootstrap frame allocator does not support deallocation")
}

// DeallocateFrames is not supported by the bootstrap allocator.
func (a *BumpAllocator) DeallocateFrames(FrameRange) {
	panic("the bootstrap frame allocator does not support deallocation")
}
