package pmm

import (
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// A MultiStageAllocator starts as a bootstrap bump allocator and is switched
// to a full table allocator once heap allocation is available. The two-stage
// design exists because the frame table itself needs memory that only a
// working allocator can provide.
type MultiStageAllocator struct {
	mu    sync.Mutex
	bump  *BumpAllocator
	table *TableAllocator
}

// NewMultiStageAllocator creates an allocator in its bootstrap stage.
func NewMultiStageAllocator(m MemoryMap) *MultiStageAllocator {
	return &MultiStageAllocator{bump: NewBumpAllocator(m)}
}

// SwitchToTableAllocator builds the frame table from the bootstrap state and
// makes it the active stage. Frames handed out during bootstrap stay
// allocated. Switching twice is a programming error.
func (a *MultiStageAllocator) SwitchToTableAllocator() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.table != nil {
		panic("frame allocator already switched to its table stage")
	}

	a.table = NewTableAllocatorFromBump(a.bump)
	a.bump = nil
}

func (a *MultiStageAllocator) active() Allocator {
	if a.table != nil {
		return a.table
	}

	return a.bump
}

// Table returns the second-stage allocator, or nil before the switch.
func (a *MultiStageAllocator) Table() *TableAllocator {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.table
}

// AllocateFrame allocates one 4KiB frame from the active stage.
func (a *MultiStageAllocator) AllocateFrame() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.active().AllocateFrame()
}

// AllocateFrames allocates contiguous frames from the active stage.
func (a *MultiStageAllocator) AllocateFrames(n int, pageSize mem.PageSize) (FrameRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.active().AllocateFrames(n, pageSize)
}

// DeallocateFrame returns a frame to the active stage.
func (a *MultiStageAllocator) DeallocateFrame(frame Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active().DeallocateFrame(frame)
}

// DeallocateFrames returns a frame range to the active stage.
func (a *MultiStageAllocator) DeallocateFrames(r FrameRange) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active().DeallocateFrames(r)
}
