package memapi

import (
	"fmt"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/vmm"
)

type permission int

const (
	permWritable permission = iota
	permExecutable
	permReadonly
)

func (p permission) String() string {
	switch p {
	case permWritable:
		return "writable"
	case permExecutable:
		return "executable"
	case permReadonly:
		return "readonly"
	default:
		return "unknown"
	}
}

// An Allocation is one live page-granular memory allocation. It owns its
// segment and the frames backing it until Free.
//
// Allocations are handed out wrapped in a permission-state handle
// (WritableAllocation, ExecutableAllocation, ReadonlyAllocation); the
// transition methods consume the old handle, which must not be used again.
type Allocation struct {
	api *API

	segment   vmm.Segment
	dataStart mem.VAddr
	numPages  uint64
	size      uint64
	guarded   bool
	user      bool
	strategy  Strategy
	source    *Source

	perm   permission
	frames map[uint64]pmm.Frame // page index -> backing frame
	freed  bool
}

// Start returns the address of the first data page.
func (al *Allocation) Start() mem.VAddr {
	return al.dataStart
}

// Size returns the allocation size in bytes, rounded up to whole pages.
func (al *Allocation) Size() uint64 {
	return al.size
}

// NumPages returns the number of data pages.
func (al *Allocation) NumPages() uint64 {
	return al.numPages
}

// ResidentPages returns the number of pages currently backed by a frame.
func (al *Allocation) ResidentPages() uint64 {
	al.api.mu.Lock()
	defer al.api.mu.Unlock()

	return uint64(len(al.frames))
}

// Free tears the allocation down: every backed page is unmapped, its frame
// returned to the frame allocator, and the segment released back to the
// segment manager. Freeing twice is a programming error and panics.
//
// Free takes the frame and segment locks, so it must not run in a context
// that cannot block on them; the API's teardown guard enforces this when
// configured.
func (al *Allocation) Free() {
	api := al.api
	if api.teardownGuard != nil && !api.teardownGuard() {
		panic("freeing an allocation from a restricted context")
	}

	api.mu.Lock()
	defer api.mu.Unlock()

	al.mustBeLive()
	api.freeLocked(al)

	if api.tracer != nil {
		api.tracer.RecordFree(al.dataStart)
	}
}

func (al *Allocation) dataEnd() mem.VAddr {
	return al.dataStart + mem.VAddr(al.numPages*mem.PageBytes)
}

func (al *Allocation) pageAddr(idx uint64) mem.VAddr {
	return al.dataStart + mem.VAddr(idx*mem.PageBytes)
}

func (al *Allocation) mustBeLive() {
	if al.freed {
		panic("using an allocation after it was freed")
	}
}

// pageFlags returns the translation flags matching the allocation's current
// permission state. Writable pages are never executable and executable
// pages are never writable.
func (al *Allocation) pageFlags() paging.Flags {
	flags := paging.FlagPresent
	switch al.perm {
	case permWritable:
		flags = flags.Set(paging.FlagWritable).Set(paging.FlagNoExecute)
	case permReadonly:
		flags = flags.Set(paging.FlagNoExecute)
	case permExecutable:
	}

	if al.user {
		flags = flags.Set(paging.FlagUser)
	}

	return flags
}

// transition remaps every backed page to the flags of the new permission
// state. If a remap fails, pages already rewritten are restored and the
// allocation stays in its previous state.
func (al *Allocation) transition(to permission) error {
	api := al.api

	api.mu.Lock()
	defer api.mu.Unlock()

	al.mustBeLive()

	from := al.perm
	al.perm = to
	flags := al.pageFlags()

	var done []uint64
	for idx := range al.frames {
		page := al.pageAddr(idx)
		err := api.space.Remap(page, func(paging.Flags) paging.Flags {
			return flags
		})
		if err != nil {
			al.perm = from
			al.rollback(done)
			return fmt.Errorf("remapping page %#x: %w", uint64(page), err)
		}
		done = append(done, idx)
	}

	if api.tracer != nil {
		api.tracer.RecordTransition(al.dataStart, to.String())
	}

	return nil
}

func (al *Allocation) rollback(indices []uint64) {
	flags := al.pageFlags()
	for _, idx := range indices {
		// The page was just remapped, so restoring cannot fail.
		_ = al.api.space.Remap(al.pageAddr(idx), func(paging.Flags) paging.Flags {
			return flags
		})
	}
}

// A WritableAllocation is an allocation whose pages are writable and not
// executable. It is the only state Allocate returns.
type WritableAllocation struct {
	alloc *Allocation
}

// Allocation returns the underlying allocation.
func (w *WritableAllocation) Allocation() *Allocation {
	return w.alloc
}

// MakeExecutable flips the pages to executable and non-writable. On failure
// the allocation stays writable and the handle remains valid.
func (w *WritableAllocation) MakeExecutable() (*ExecutableAllocation, error) {
	if err := w.alloc.transition(permExecutable); err != nil {
		return nil, err
	}

	return &ExecutableAllocation{alloc: w.alloc}, nil
}

// MakeReadonly flips the pages to read-only and non-executable. On failure
// the allocation stays writable and the handle remains valid.
func (w *WritableAllocation) MakeReadonly() (*ReadonlyAllocation, error) {
	if err := w.alloc.transition(permReadonly); err != nil {
		return nil, err
	}

	return &ReadonlyAllocation{alloc: w.alloc}, nil
}

// Truncate shrinks the allocation to newSize bytes, rounded up to whole
// pages. Pages beyond the new end are unmapped and their frames freed, and
// the segment is shrunk accordingly. Growing is not supported.
func (w *WritableAllocation) Truncate(newSize uint64) error {
	al := w.alloc
	api := al.api

	api.mu.Lock()
	defer api.mu.Unlock()

	al.mustBeLive()

	if newSize == 0 {
		return fmt.Errorf("%w: size must be positive", ErrBadLayout)
	}

	newPages := mem.NumPages(newSize)
	if newPages > al.numPages {
		return fmt.Errorf("%w: growing an allocation is not supported", ErrBadLayout)
	}
	if newPages == al.numPages {
		return nil
	}

	api.space.UnmapRange(
		al.pageAddr(newPages), al.numPages-newPages,
		func(frame pmm.Frame) {
			api.frames.DeallocateFrame(frame)
		})
	for idx := newPages; idx < al.numPages; idx++ {
		delete(al.frames, idx)
	}

	guardPages := uint64(0)
	if al.guarded {
		guardPages = 1
	}

	shrunk := vmm.NewSegment(
		al.segment.Start, (newPages+2*guardPages)*mem.PageBytes)
	if !api.segments.Release(al.segment) {
		panic("allocation segment missing from the segment manager")
	}
	if err := api.segments.MarkAsReserved(shrunk); err != nil {
		panic("re-reserving a shrunk segment failed: " + err.Error())
	}

	al.segment = shrunk
	al.numPages = newPages
	al.size = newPages * mem.PageBytes

	return nil
}

// Free releases the allocation. See Allocation.Free.
func (w *WritableAllocation) Free() {
	w.alloc.Free()
}

// An ExecutableAllocation is an allocation whose pages are executable and
// not writable.
type ExecutableAllocation struct {
	alloc *Allocation
}

// Allocation returns the underlying allocation.
func (e *ExecutableAllocation) Allocation() *Allocation {
	return e.alloc
}

// MakeWritable flips the pages back to writable and non-executable.
func (e *ExecutableAllocation) MakeWritable() (*WritableAllocation, error) {
	if err := e.alloc.transition(permWritable); err != nil {
		return nil, err
	}

	return &WritableAllocation{alloc: e.alloc}, nil
}

// Free releases the allocation. See Allocation.Free.
func (e *ExecutableAllocation) Free() {
	e.alloc.Free()
}

// A ReadonlyAllocation is an allocation whose pages are neither writable
// nor executable.
type ReadonlyAllocation struct {
	alloc *Allocation
}

// Allocation returns the underlying allocation.
func (r *ReadonlyAllocation) Allocation() *Allocation {
	return r.alloc
}

// MakeWritable flips the pages back to writable.
func (r *ReadonlyAllocation) MakeWritable() (*WritableAllocation, error) {
	if err := r.alloc.transition(permWritable); err != nil {
		return nil, err
	}

	return &WritableAllocation{alloc: r.alloc}, nil
}

// Free releases the allocation. See Allocation.Free.
func (r *ReadonlyAllocation) Free() {
	r.alloc.Free()
}
