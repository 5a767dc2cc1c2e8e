package paging

import (
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// A Core models one CPU core's view of translation: the table-base register
// holding the active address space, and the TLB caching its translations.
//
// Page tables are owned exclusively by their address space and are mutated
// only while that space is active on the core, so the base design needs no
// cross-core invalidation protocol.
type Core struct {
	mu     sync.Mutex
	active *AddressSpace
	tlb    *TLB
}

// NewCore creates a core with a TLB of the given capacity.
func NewCore(tlbCapacity int) *Core {
	return &Core{tlb: NewTLB(tlbCapacity)}
}

// Switch installs the address space in the core's table-base register and
// flushes the TLB, like reloading the hardware register would.
func (c *Core) Switch(space *AddressSpace) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = space
	c.tlb.Flush()
}

// Active returns the currently active address space.
func (c *Core) Active() *AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// TLB returns the core's TLB.
func (c *Core) TLB() *TLB {
	return c.tlb
}

// Translate resolves a virtual address through the TLB, falling back to a
// walk of the active address space's tables and filling the TLB on a miss.
func (c *Core) Translate(vaddr mem.VAddr) (mem.PAddr, bool) {
	page := vaddr.AlignDown(mem.PageBytes)

	if paddr, _, ok := c.tlb.Lookup(page); ok {
		return paddr + mem.PAddr(vaddr.PageOffset()), true
	}

	space := c.Active()
	if space == nil {
		return 0, false
	}

	paddr, flags, ok := space.translateWithFlags(vaddr)
	if !ok {
		return 0, false
	}

	c.tlb.Insert(page, paddr.AlignDown(mem.PageBytes), flags)

	return paddr, true
}
