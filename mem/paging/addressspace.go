package paging

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/pmm"
	"github.com/sarchlab/vmkit/mem/storage"
)

// ErrAlreadyMapped is returned when a translation is installed over an
// existing one.
var ErrAlreadyMapped = errors.New("page is already mapped")

// ErrNotMapped is returned when a remap targets a page with no translation.
var ErrNotMapped = errors.New("page is not mapped")

// higherHalfStart is the first root table index of the shared kernel
// region. The root entries from here up are mirrored into every process
// address space at creation.
const higherHalfStart = mem.NumTableEntries / 2

// An AddressSpace is one page table hierarchy, identified by the frame
// holding its root table. All table memory lives in the simulated physical
// storage; intermediate tables are allocated from the frame allocator on
// demand.
//
// Map, Unmap and Remap mutate the tables in place and therefore require the
// address space to be active on its core; mutating an inactive space is a
// programming error and panics. Translate only reads and carries no such
// precondition.
type AddressSpace struct {
	mu    sync.RWMutex
	core  *Core
	store *storage.Storage
	alloc pmm.Allocator
	root  pmm.Frame

	// mirrored marks a process space whose higher-half root entries point
	// into kernel-owned tables, which Destroy must not free.
	mirrored bool
}

// NewAddressSpace creates an empty address space, allocating and zeroing
// its root table. The first address space of a system becomes the kernel
// space; process spaces are derived from it with NewProcessAddressSpace.
func NewAddressSpace(core *Core, store *storage.Storage, alloc pmm.Allocator) (*AddressSpace, error) {
	root, err := allocTableFrame(store, alloc)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		core:  core,
		store: store,
		alloc: alloc,
		root:  root,
	}, nil
}

// NewProcessAddressSpace creates an address space for a new process,
// mirroring the kernel's higher-half root entries so that kernel code and
// data stay mapped after a switch. The mirroring writes the fresh root
// table through physical storage directly; the in-place mapper is not
// involved, so the new space does not need to be active.
func NewProcessAddressSpace(
	core *Core,
	store *storage.Storage,
	alloc pmm.Allocator,
	kernel *AddressSpace,
) (*AddressSpace, error) {
	space, err := NewAddressSpace(core, store, alloc)
	if err != nil {
		return nil, err
	}
	space.mirrored = true

	kernel.mu.RLock()
	defer kernel.mu.RUnlock()
	for i := uint64(higherHalfStart); i < mem.NumTableEntries; i++ {
		e := space.readEntry(entryAddress(kernel.root, i))
		space.writeEntry(entryAddress(space.root, i), e)
	}

	return space, nil
}

// RootFrame returns the frame holding the root table. It identifies the
// address space.
func (s *AddressSpace) RootFrame() pmm.Frame {
	return s.root
}

// IsActive reports whether this space is installed in its core's table-base
// register.
func (s *AddressSpace) IsActive() bool {
	return s.core.Active() == s
}

// Map installs a translation for one page with the given flags,
// allocating intermediate tables on demand. Mapping over an existing
// translation fails with ErrAlreadyMapped; failure to allocate an
// intermediate table surfaces the allocator's error wrapped.
func (s *AddressSpace) Map(page mem.VAddr, frame pmm.Frame, flags Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mapLocked(page, frame, flags)
}

func (s *AddressSpace) mapLocked(page mem.VAddr, frame pmm.Frame, flags Flags) error {
	s.mustBeActive()
	mustBePage(page)

	leafAddr, err := s.walkAllocating(page, flags.Has(FlagUser))
	if err != nil {
		return err
	}

	if s.readEntry(leafAddr).present() {
		return ErrAlreadyMapped
	}

	s.writeEntry(leafAddr, makeEntry(frame, flags.Set(FlagPresent)))
	s.core.TLB().Invalidate(page)

	return nil
}

// MapRange installs translations for numPages pages starting at start, one
// frame per page in order. On error a partial mapping remains; callers that
// need atomicity must unmap what was installed.
func (s *AddressSpace) MapRange(start mem.VAddr, frames []pmm.Frame, flags Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, frame := range frames {
		page := start + mem.VAddr(uint64(i)*mem.PageBytes)
		if err := s.mapLocked(page, frame, flags); err != nil {
			return fmt.Errorf("mapping page %#x: %w", uint64(page), err)
		}
	}

	return nil
}

// Unmap removes the translation of one page and returns the frame it
// pointed to. Ownership of the frame passes to the caller. The second
// return value is false if the page was not mapped.
func (s *AddressSpace) Unmap(page mem.VAddr) (pmm.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unmapLocked(page)
}

func (s *AddressSpace) unmapLocked(page mem.VAddr) (pmm.Frame, bool) {
	s.mustBeActive()
	mustBePage(page)

	leafAddr, ok := s.walk(page)
	if !ok {
		return 0, false
	}

	e := s.readEntry(leafAddr)
	if !e.present() {
		return 0, false
	}

	s.writeEntry(leafAddr, 0)
	s.core.TLB().Invalidate(page)

	return e.frame(), true
}

// UnmapRange unmaps numPages pages starting at start, invoking visit with
// each recovered frame. Pages that were never mapped are skipped, so a
// partially populated lazy allocation can be torn down with one call.
func (s *AddressSpace) UnmapRange(start mem.VAddr, numPages uint64, visit func(pmm.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < numPages; i++ {
		page := start + mem.VAddr(i*mem.PageBytes)
		if frame, ok := s.unmapLocked(page); ok {
			visit(frame)
		}
	}
}

// Remap rewrites the flags of an existing translation without changing the
// backing frame. The transform receives the current flags and returns the
// new ones. Remapping an absent page fails with ErrNotMapped.
func (s *AddressSpace) Remap(page mem.VAddr, transform func(Flags) Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remapLocked(page, transform)
}

func (s *AddressSpace) remapLocked(page mem.VAddr, transform func(Flags) Flags) error {
	s.mustBeActive()
	mustBePage(page)

	leafAddr, ok := s.walk(page)
	if !ok {
		return ErrNotMapped
	}

	e := s.readEntry(leafAddr)
	if !e.present() {
		return ErrNotMapped
	}

	flags := transform(e.flags()).Set(FlagPresent)
	s.writeEntry(leafAddr, makeEntry(e.frame(), flags))
	s.core.TLB().Invalidate(page)

	return nil
}

// RemapRange applies the flag transform to numPages pages starting at
// start. It stops at the first failure.
func (s *AddressSpace) RemapRange(start mem.VAddr, numPages uint64, transform func(Flags) Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < numPages; i++ {
		page := start + mem.VAddr(i*mem.PageBytes)
		if err := s.remapLocked(page, transform); err != nil {
			return fmt.Errorf("remapping page %#x: %w", uint64(page), err)
		}
	}

	return nil
}

// Translate walks the tables read-only and resolves a virtual address to a
// physical one. It does not require the space to be active.
func (s *AddressSpace) Translate(vaddr mem.VAddr) (mem.PAddr, bool) {
	paddr, _, ok := s.translateWithFlags(vaddr)
	return paddr, ok
}

// FlagsOf returns the flags of the page's translation, if present.
func (s *AddressSpace) FlagsOf(page mem.VAddr) (Flags, bool) {
	_, flags, ok := s.translateWithFlags(page)
	return flags, ok
}

func (s *AddressSpace) translateWithFlags(vaddr mem.VAddr) (mem.PAddr, Flags, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leafAddr, ok := s.walk(vaddr)
	if !ok {
		return 0, 0, false
	}

	e := s.readEntry(leafAddr)
	if !e.present() {
		return 0, 0, false
	}

	return e.frame().Address() + mem.PAddr(vaddr.PageOffset()), e.flags(), true
}

// PrepopulateRoot allocates the root-level tables covering
// [start, start+size). Spaces mirroring this one afterwards share those
// tables, so mappings installed in the range later are visible to them too.
// The kernel space prepopulates its higher-half window this way at boot.
func (s *AddressSpace) PrepopulateRoot(start mem.VAddr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := tableIndex(start, 0)
	last := tableIndex(start+mem.VAddr(size-1), 0)
	for i := first; i <= last; i++ {
		addr := entryAddress(s.root, i)
		if s.readEntry(addr).present() {
			continue
		}

		frame, err := allocTableFrame(s.store, s.alloc)
		if err != nil {
			return fmt.Errorf("allocating root-level table: %w", err)
		}
		s.writeEntry(addr, makeEntry(frame, FlagPresent.Set(FlagWritable)))
	}

	return nil
}

// Destroy releases the page table frames of this address space back to the
// allocator. For a process space the higher-half subtrees belong to the
// kernel and are left alone. All leaf translations must have been unmapped
// first; the frames they target are not freed here.
func (s *AddressSpace) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := uint64(mem.NumTableEntries)
	if s.mirrored {
		limit = higherHalfStart
	}

	for i := uint64(0); i < limit; i++ {
		e := s.readEntry(entryAddress(s.root, i))
		if e.present() {
			s.destroyTable(e.frame(), 1)
		}
	}

	s.alloc.DeallocateFrame(s.root)
}

func (s *AddressSpace) destroyTable(table pmm.Frame, level int) {
	if level < mem.NumTableLevels-1 {
		for i := uint64(0); i < mem.NumTableEntries; i++ {
			e := s.readEntry(entryAddress(table, i))
			if e.present() {
				s.destroyTable(e.frame(), level+1)
			}
		}
	}

	s.alloc.DeallocateFrame(table)
}

// walk descends the hierarchy read-only and returns the physical address of
// the leaf entry, or false if an intermediate table is absent.
func (s *AddressSpace) walk(vaddr mem.VAddr) (mem.PAddr, bool) {
	table := s.root
	for level := 0; level < mem.NumTableLevels-1; level++ {
		e := s.readEntry(entryAddress(table, tableIndex(vaddr, level)))
		if !e.present() {
			return 0, false
		}
		table = e.frame()
	}

	return entryAddress(table, tableIndex(vaddr, mem.NumTableLevels-1)), true
}

// walkAllocating descends the hierarchy, allocating and zeroing missing
// intermediate tables, and returns the physical address of the leaf entry.
func (s *AddressSpace) walkAllocating(vaddr mem.VAddr, user bool) (mem.PAddr, error) {
	tableFlags := FlagPresent.Set(FlagWritable)
	if user {
		tableFlags = tableFlags.Set(FlagUser)
	}

	table := s.root
	for level := 0; level < mem.NumTableLevels-1; level++ {
		addr := entryAddress(table, tableIndex(vaddr, level))
		e := s.readEntry(addr)

		if !e.present() {
			frame, err := allocTableFrame(s.store, s.alloc)
			if err != nil {
				return 0, fmt.Errorf("allocating level-%d table: %w", level+1, err)
			}
			e = makeEntry(frame, tableFlags)
			s.writeEntry(addr, e)
		} else if user && !e.flags().Has(FlagUser) {
			s.writeEntry(addr, makeEntry(e.frame(), e.flags().Set(FlagUser)))
		}

		table = e.frame()
	}

	return entryAddress(table, tableIndex(vaddr, mem.NumTableLevels-1)), nil
}

func (s *AddressSpace) mustBeActive() {
	// Mapping into an inactive address space needs a different code path
	// (a temporary mapping of the foreign tables); the in-place mapper
	// only supports switch-then-map.
	if s.core.Active() != s {
		panic("mutating an address space that is not active on its core")
	}
}

func (s *AddressSpace) readEntry(addr mem.PAddr) entry {
	v, err := s.store.ReadUint64(addr)
	if err != nil {
		panic("page table walk escaped physical memory: " + err.Error())
	}

	return entry(v)
}

func (s *AddressSpace) writeEntry(addr mem.PAddr, e entry) {
	if err := s.store.WriteUint64(addr, uint64(e)); err != nil {
		panic("page table write escaped physical memory: " + err.Error())
	}
}

func allocTableFrame(store *storage.Storage, alloc pmm.Allocator) (pmm.Frame, error) {
	frame, err := alloc.AllocateFrame()
	if err != nil {
		return 0, err
	}

	if err := store.ZeroFrame(frame.Address()); err != nil {
		alloc.DeallocateFrame(frame)
		return 0, err
	}

	return frame, nil
}

func mustBePage(addr mem.VAddr) {
	if !addr.IsAligned(mem.PageBytes) {
		panic("page address is not aligned")
	}
}
