package pmm

import (
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// A TableAllocator tracks the state of every frame in the system in a flat
// table. It is the full-featured second stage of the allocator: it supports
// deallocation and contiguous, alignment-aware range allocation.
//
// The allocator keeps a "first possibly free" cursor so that the common
// single-frame allocation is amortized O(1); freeing a frame below the
// cursor rewinds it.
type TableAllocator struct {
	sync.Mutex
	frames    []FrameState
	firstFree int // index of the lowest free frame, -1 if none
}

// NewTableAllocator creates an allocator over the given frame states.
func NewTableAllocator(states []FrameState) *TableAllocator {
	a := &TableAllocator{
		frames:    states,
		firstFree: -1,
	}

	for i, s := range states {
		if s == FrameFree {
			a.firstFree = i
			break
		}
	}

	return a
}

// NewTableAllocatorFromBump builds the second-stage allocator from the
// bootstrap allocator's memory map. Frames the bootstrap stage already
// handed out stay allocated.
func NewTableAllocatorFromBump(b *BumpAllocator) *TableAllocator {
	return NewTableAllocator(b.memoryMap.FrameStates(b.nextFrame))
}

// FrameState returns the tracked state of a frame. Frames beyond the table
// are unusable.
func (a *TableAllocator) FrameState(f Frame) FrameState {
	a.Lock()
	defer a.Unlock()

	if int(f) >= len(a.frames) {
		return FrameUnusable
	}

	return a.frames[f]
}

// TotalFrameCount returns the number of frames the table tracks.
func (a *TableAllocator) TotalFrameCount() uint64 {
	a.Lock()
	defer a.Unlock()

	return uint64(len(a.frames))
}

// FreeFrameCount returns the number of currently free frames.
func (a *TableAllocator) FreeFrameCount() uint64 {
	a.Lock()
	defer a.Unlock()

	count := uint64(0)
	for _, s := range a.frames {
		if s == FrameFree {
			count++
		}
	}

	return count
}

// AllocateFrame allocates one 4KiB frame.
func (a *TableAllocator) AllocateFrame() (Frame, error) {
	r, err := a.AllocateFrames(1, mem.Size4K)
	if err != nil {
		return 0, err
	}

	return r.First, nil
}

// AllocateFrames allocates n contiguous pages of the given size. The search
// starts at the first-free cursor, rounded up to the alignment the page
// size requires, and falls back to a linear scan.
func (a *TableAllocator) AllocateFrames(n int, pageSize mem.PageSize) (FrameRange, error) {
	a.Lock()
	defer a.Unlock()

	if n <= 0 {
		panic("frame allocation count must be positive")
	}
	if a.firstFree < 0 {
		return FrameRange{}, ErrOutOfMemory
	}

	unit := int(pageSize.Frames())
	count := n * unit
	start := (a.firstFree + unit - 1) / unit * unit

	first := -1
	for i := start; i+count <= len(a.frames); i += unit {
		if a.runIsFree(i, count) {
			first = i
			break
		}
	}
	if first < 0 {
		return FrameRange{}, ErrOutOfMemory
	}

	last := first + count - 1
	for i := first; i <= last; i++ {
		a.frames[i] = FrameAllocated
	}

	if first <= a.firstFree {
		// The run swallowed the cursor, so scan forward for the next free
		// frame. If the run started above the cursor due to alignment, the
		// cursor still points at a free frame and stays put.
		a.firstFree = a.nextFreeAfter(last)
	}

	return FrameRange{First: Frame(first), Last: Frame(last)}, nil
}

func (a *TableAllocator) runIsFree(start, count int) bool {
	for i := start; i < start+count; i++ {
		if a.frames[i] != FrameFree {
			return false
		}
	}

	return true
}

func (a *TableAllocator) nextFreeAfter(index int) int {
	for i := index + 1; i < len(a.frames); i++ {
		if a.frames[i] == FrameFree {
			return i
		}
	}

	return -1
}

// DeallocateFrame returns one frame to the allocator. Deallocating a frame
// that is not currently allocated is a programming error and panics.
func (a *TableAllocator) DeallocateFrame(frame Frame) {
	a.Lock()
	defer a.Unlock()

	a.deallocateFrameLocked(frame)
}

// DeallocateFrames returns a frame range to the allocator.
func (a *TableAllocator) DeallocateFrames(r FrameRange) {
	a.Lock()
	defer a.Unlock()

	for f := r.First; f <= r.Last; f++ {
		a.deallocateFrameLocked(f)
	}
}

func (a *TableAllocator) deallocateFrameLocked(frame Frame) {
	index := int(frame)
	if index >= len(a.frames) {
		panic("deallocating frame outside the frame table")
	}
	if a.frames[index] != FrameAllocated {
		panic("deallocating frame that is not allocated: " + a.frames[index].String())
	}

	a.frames[index] = FrameFree
	if a.firstFree < 0 || index < a.firstFree {
		a.firstFree = index
	}
}
