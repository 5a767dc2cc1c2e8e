package memapi

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/paging"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
	"github.com/sarchlab/vmkit/mem/vmm"
)

// ErrNotAllocated is returned when a faulting address is not covered by any
// live allocation. The fault handler treats it as fatal to the faulting
// context.
var ErrNotAllocated = errors.New("address is not covered by any live allocation")

// ErrPermissionDenied is returned when an access violates the protection
// flags of a mapped page.
var ErrPermissionDenied = errors.New("access violates the page protection flags")

// ErrBadLayout is returned when a request carries an unsupported layout.
var ErrBadLayout = errors.New("alignment must be a power of two no larger than the page size")

// A Tracer observes allocation lifecycle events. The memtrace package
// provides a database-backed implementation.
type Tracer interface {
	RecordAllocation(start mem.VAddr, size uint64, strategy string)
	RecordTransition(start mem.VAddr, state string)
	RecordFault(addr mem.VAddr)
	RecordFree(start mem.VAddr)
}

// An API hands out page-granular memory allocations inside one address
// space. It reserves segments from the segment manager, backs them with
// frames from the frame allocator, and installs the mappings.
//
// Methods that install or remove translations require the address space to
// be active on its core.
type API struct {
	mu sync.Mutex

	space    *paging.AddressSpace
	segments *vmm.Manager
	frames   pmm.Allocator
	store    *storage.Storage

	// teardownGuard, if set, is consulted by Free. It stands in for the
	// interrupts-enabled check of a bare-metal kernel: freeing takes the
	// frame and segment locks, which must not happen from a context that
	// cannot block on them.
	teardownGuard func() bool
	tracer        Tracer

	allocations map[mem.VAddr]*Allocation // keyed by first data page
}

// A Builder creates APIs.
type Builder struct {
	space    *paging.AddressSpace
	segments *vmm.Manager
	frames   pmm.Allocator
	store    *storage.Storage
	guard    func() bool
	tracer   Tracer
}

// MakeBuilder returns a builder with no fields set.
func MakeBuilder() Builder {
	return Builder{}
}

// WithAddressSpace sets the address space the API maps into.
func (b Builder) WithAddressSpace(space *paging.AddressSpace) Builder {
	b.space = space
	return b
}

// WithSegmentManager sets the manager allocations reserve segments from.
func (b Builder) WithSegmentManager(segments *vmm.Manager) Builder {
	b.segments = segments
	return b
}

// WithFrameAllocator sets the allocator backing frames come from.
func (b Builder) WithFrameAllocator(frames pmm.Allocator) Builder {
	b.frames = frames
	return b
}

// WithStorage sets the simulated physical memory that page content lives in.
func (b Builder) WithStorage(store *storage.Storage) Builder {
	b.store = store
	return b
}

// WithTeardownGuard sets a predicate that Free consults before releasing
// resources. Freeing while the guard reports false panics.
func (b Builder) WithTeardownGuard(guard func() bool) Builder {
	b.guard = guard
	return b
}

// WithTracer sets an optional tracer recording allocation events.
func (b Builder) WithTracer(tracer Tracer) Builder {
	b.tracer = tracer
	return b
}

// Build creates the API.
func (b Builder) Build() *API {
	if b.space == nil || b.segments == nil || b.frames == nil || b.store == nil {
		panic("memapi requires an address space, a segment manager, a frame allocator, and a storage")
	}

	return &API{
		space:         b.space,
		segments:      b.segments,
		frames:        b.frames,
		store:         b.store,
		teardownGuard: b.guard,
		tracer:        b.tracer,
		allocations:   make(map[mem.VAddr]*Allocation),
	}
}

// Allocate reserves a segment per the request's location, backs it per the
// request's strategy, and returns the allocation in the writable state.
//
// An AllocateNow allocation is fully backed and mapped on return. An
// AllocateOnAccess allocation owns its segment but no frames yet; frames
// arrive one page at a time through HandleFault. On any failure nothing is
// left behind: pages mapped so far are unmapped, their frames freed, and the
// segment released.
func (a *API) Allocate(req Request) (*WritableAllocation, error) {
	if err := checkLayout(req.Layout); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.reserveSegment(req)
	if err != nil {
		return nil, err
	}
	a.allocations[alloc.dataStart] = alloc

	if req.Strategy == AllocateNow {
		if err := a.populateAll(alloc); err != nil {
			a.freeLocked(alloc)
			return nil, err
		}
	}

	if a.tracer != nil {
		a.tracer.RecordAllocation(alloc.dataStart, alloc.size, req.Strategy.String())
	}

	return &WritableAllocation{alloc: alloc}, nil
}

func checkLayout(layout Layout) error {
	if layout.Size == 0 {
		return fmt.Errorf("%w: size must be positive", ErrBadLayout)
	}

	align := layout.Align
	if align == 0 {
		return nil
	}
	if align&(align-1) != 0 || align > mem.PageBytes {
		return ErrBadLayout
	}

	return nil
}

func (a *API) reserveSegment(req Request) (*Allocation, error) {
	guardPages := uint64(0)
	if req.Guarded {
		guardPages = 1
	}

	var (
		segment   vmm.Segment
		dataStart mem.VAddr
		numPages  uint64
		size      uint64
	)

	if req.Location.fixed {
		dataStart = req.Location.addr.AlignDown(mem.PageBytes)
		end := (req.Location.addr + mem.VAddr(req.Layout.Size)).AlignUp(mem.PageBytes)
		numPages = uint64(end-dataStart) >> mem.PageShift
		size = uint64(end - dataStart)

		guardBytes := guardPages * mem.PageBytes
		if uint64(dataStart) < guardBytes {
			return nil, fmt.Errorf("fixed allocation at %#x: %w",
				uint64(req.Location.addr), vmm.ErrOutOfVirtualMemory)
		}

		segment = vmm.NewSegment(
			dataStart-mem.VAddr(guardBytes),
			(numPages+2*guardPages)*mem.PageBytes)
		if err := a.segments.MarkAsReserved(segment); err != nil {
			return nil, fmt.Errorf("fixed allocation at %#x: %w",
				uint64(req.Location.addr), err)
		}
	} else {
		numPages = mem.NumPages(req.Layout.Size)
		size = numPages * mem.PageBytes

		var err error
		segment, err = a.segments.Reserve((numPages + 2*guardPages) * mem.PageBytes)
		if err != nil {
			return nil, err
		}
		dataStart = segment.Start + mem.VAddr(guardPages*mem.PageBytes)
	}

	return &Allocation{
		api:       a,
		segment:   segment,
		dataStart: dataStart,
		numPages:  numPages,
		size:      size,
		guarded:   req.Guarded,
		user:      req.UserAccessible,
		strategy:  req.Strategy,
		source:    req.Source,
		perm:      permWritable,
		frames:    make(map[uint64]pmm.Frame),
	}, nil
}

func (a *API) populateAll(alloc *Allocation) error {
	for idx := uint64(0); idx < alloc.numPages; idx++ {
		if err := a.populatePage(alloc, idx); err != nil {
			return err
		}
	}

	return nil
}

// populatePage backs one page with a freshly allocated frame, fills it, and
// installs the translation at the allocation's current permissions.
func (a *API) populatePage(alloc *Allocation, idx uint64) error {
	page := alloc.pageAddr(idx)

	frame, err := a.frames.AllocateFrame()
	if err != nil {
		return fmt.Errorf("backing page %#x: %w", uint64(page), err)
	}

	if err := a.fillFrame(alloc, frame, idx); err != nil {
		a.frames.DeallocateFrame(frame)
		return err
	}

	if err := a.space.Map(page, frame, alloc.pageFlags()); err != nil {
		a.frames.DeallocateFrame(frame)
		return fmt.Errorf("mapping page %#x: %w", uint64(page), err)
	}

	alloc.frames[idx] = frame

	return nil
}

// fillFrame writes the initial content of one page into its frame: bytes
// from the backing source where it covers the page, zeros everywhere else.
func (a *API) fillFrame(alloc *Allocation, frame pmm.Frame, idx uint64) error {
	buf := make([]byte, mem.PageBytes)

	if src := alloc.source; src != nil {
		offset := idx * mem.PageBytes
		if offset < src.Length {
			n := src.Length - offset
			if n > mem.PageBytes {
				n = mem.PageBytes
			}
			_, err := src.Reader.ReadAt(buf[:n], src.Offset+int64(offset))
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading backing source for page %d: %w", idx, err)
			}
		}
	}

	return a.store.Write(frame.Address(), buf)
}

// HandleFault is the per-fault hook the page-fault handler calls with a
// faulting virtual address. For an address inside a lazy allocation's
// unbacked page it allocates exactly one frame, fills it, installs exactly
// one translation, and returns. A fault on an already-mapped page is a
// protection violation; an address no live allocation covers is fatal to
// the faulting context.
func (a *API) HandleFault(addr mem.VAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc := a.lookupLocked(addr)
	if alloc == nil {
		return fmt.Errorf("fault at %#x: %w", uint64(addr), ErrNotAllocated)
	}

	if a.tracer != nil {
		a.tracer.RecordFault(addr)
	}

	idx := uint64(addr.AlignDown(mem.PageBytes)-alloc.dataStart) >> mem.PageShift
	if _, backed := alloc.frames[idx]; backed {
		return fmt.Errorf("fault at %#x on a mapped page: %w",
			uint64(addr), ErrPermissionDenied)
	}

	return a.populatePage(alloc, idx)
}

func (a *API) lookupLocked(addr mem.VAddr) *Allocation {
	for _, alloc := range a.allocations {
		if addr >= alloc.dataStart && addr < alloc.dataEnd() {
			return alloc
		}
	}

	return nil
}

// Write simulates a store to the given virtual address: it translates
// through the allocation's address space, faulting unbacked pages in, and
// refuses non-writable pages with ErrPermissionDenied.
func (a *API) Write(addr mem.VAddr, data []byte) error {
	for len(data) > 0 {
		flags, paddr, err := a.access(addr)
		if err != nil {
			return err
		}
		if !flags.Has(paging.FlagWritable) {
			return fmt.Errorf("write to %#x: %w", uint64(addr), ErrPermissionDenied)
		}

		chunk := mem.PageBytes - addr.PageOffset()
		if uint64(len(data)) < chunk {
			chunk = uint64(len(data))
		}

		if err := a.store.Write(paddr, data[:chunk]); err != nil {
			return err
		}

		data = data[chunk:]
		addr += mem.VAddr(chunk)
	}

	return nil
}

// Read simulates a load of n bytes starting at the given virtual address,
// faulting unbacked pages in.
func (a *API) Read(addr mem.VAddr, n uint64) ([]byte, error) {
	res := make([]byte, 0, n)

	for n > 0 {
		_, paddr, err := a.access(addr)
		if err != nil {
			return nil, err
		}

		chunk := mem.PageBytes - addr.PageOffset()
		if n < chunk {
			chunk = n
		}

		data, err := a.store.Read(paddr, chunk)
		if err != nil {
			return nil, err
		}

		res = append(res, data...)
		n -= chunk
		addr += mem.VAddr(chunk)
	}

	return res, nil
}

// access resolves one address, invoking the fault hook when the page has no
// translation yet.
func (a *API) access(addr mem.VAddr) (paging.Flags, mem.PAddr, error) {
	page := addr.AlignDown(mem.PageBytes)

	flags, mapped := a.space.FlagsOf(page)
	if !mapped {
		if err := a.HandleFault(addr); err != nil {
			return 0, 0, err
		}
		flags, mapped = a.space.FlagsOf(page)
		if !mapped {
			panic("fault hook returned without installing a translation")
		}
	}

	paddr, _ := a.space.Translate(addr)

	return flags, paddr, nil
}

// Allocations returns a snapshot of the live allocations in no particular
// order.
func (a *API) Allocations() []AllocationInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]AllocationInfo, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		infos = append(infos, AllocationInfo{
			Start:         uint64(alloc.dataStart),
			Size:          alloc.size,
			Pages:         alloc.numPages,
			ResidentPages: uint64(len(alloc.frames)),
			State:         alloc.perm.String(),
			Strategy:      alloc.strategy.String(),
			Guarded:       alloc.guarded,
		})
	}

	return infos
}

// freeLocked tears one allocation down: unmap every backed page, free the
// recovered frames, release the segment, forget the allocation.
func (a *API) freeLocked(alloc *Allocation) {
	a.space.UnmapRange(alloc.dataStart, alloc.numPages, func(frame pmm.Frame) {
		a.frames.DeallocateFrame(frame)
	})

	a.segments.Release(alloc.segment)
	delete(a.allocations, alloc.dataStart)
	alloc.freed = true
}
