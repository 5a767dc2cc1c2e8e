package paging

import (
	"github.com/sarchlab/vmkit/mem"
	"github.com/sarchlab/vmkit/mem/pmm"
)

// entry is one 64-bit page table entry word. Bits 12..51 hold the frame
// base address; the remaining bits are flags.
type entry uint64

const entryAddrMask = 0x000f_ffff_ffff_f000

func makeEntry(frame pmm.Frame, flags Flags) entry {
	return entry(uint64(frame.Address())&entryAddrMask) | entry(flags&flagMask)
}

func (e entry) present() bool {
	return Flags(e).Has(FlagPresent)
}

func (e entry) frame() pmm.Frame {
	return pmm.FrameContaining(mem.PAddr(uint64(e) & entryAddrMask))
}

func (e entry) flags() Flags {
	return Flags(e) & flagMask
}

// tableIndex extracts the table index of vaddr at the given level. Level 0
// is the root.
func tableIndex(vaddr mem.VAddr, level int) uint64 {
	shift := mem.PageShift + 9*(mem.NumTableLevels-1-level)
	return (uint64(vaddr) >> shift) & (mem.NumTableEntries - 1)
}

// entryAddress returns the physical address of the index-th entry of the
// table held in the given frame.
func entryAddress(table pmm.Frame, index uint64) mem.PAddr {
	return table.Address() + mem.PAddr(index*8)
}
