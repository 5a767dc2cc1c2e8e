// Package mem defines the address and size types shared by the memory
// management packages.
package mem

// PAddr is a physical memory address.
type PAddr uint64

// VAddr is a virtual memory address.
type VAddr uint64

// PageSize is the size of a translation unit. Besides the base 4KiB size,
// the 2MiB and 1GiB super-page sizes are supported by the physical frame
// allocator for aligned contiguous allocations.
type PageSize uint64

// The supported page sizes.
const (
	Size4K PageSize = 1 << 12
	Size2M PageSize = 1 << 21
	Size1G PageSize = 1 << 30
)

// Paging geometry of the simulated architecture. All frame and page
// bookkeeping is done in 4KiB units.
const (
	PageShift = 12
	PageBytes = uint64(1) << PageShift

	// NumTableEntries is the number of entries in one page table. A table
	// occupies exactly one frame (512 entries of 8 bytes).
	NumTableEntries = 512

	// NumTableLevels is the depth of the page table hierarchy.
	NumTableLevels = 4
)

// Frames returns the number of 4KiB frames that make up one page of this
// size.
func (s PageSize) Frames() uint64 {
	return uint64(s) >> PageShift
}

// AlignDown rounds addr down to the previous multiple of align. align must
// be a power of two.
func (a VAddr) AlignDown(align uint64) VAddr {
	return a &^ VAddr(align-1)
}

// AlignUp rounds addr up to the next multiple of align. align must be a
// power of two.
func (a VAddr) AlignUp(align uint64) VAddr {
	return (a + VAddr(align-1)) &^ VAddr(align-1)
}

// IsAligned reports whether the address is a multiple of align.
func (a VAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// PageOffset returns the offset of the address within its 4KiB page.
func (a VAddr) PageOffset() uint64 {
	return uint64(a) & (PageBytes - 1)
}

// AlignDown rounds addr down to the previous multiple of align. align must
// be a power of two.
func (a PAddr) AlignDown(align uint64) PAddr {
	return a &^ PAddr(align-1)
}

// IsAligned reports whether the address is a multiple of align.
func (a PAddr) IsAligned(align uint64) bool {
	return uint64(a)%align == 0
}

// AlignSizeUp rounds size up to the next multiple of the 4KiB page size.
func AlignSizeUp(size uint64) uint64 {
	return (size + PageBytes - 1) &^ (PageBytes - 1)
}

// NumPages returns the number of 4KiB pages needed to hold size bytes.
func NumPages(size uint64) uint64 {
	return AlignSizeUp(size) >> PageShift
}
