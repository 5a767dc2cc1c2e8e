package paging

import (
	"sync"

	"github.com/sarchlab/vmkit/mem"
)

// A TLB caches translations of the address space that is active on one
// core. The mapper invalidates affected entries before a mutation returns,
// so no caller can observe a stale translation on the same core.
type TLB struct {
	sync.Mutex
	capacity int
	entries  map[mem.VAddr]tlbEntry
}

type tlbEntry struct {
	paddr mem.PAddr
	flags Flags
}

// NewTLB creates a TLB holding at most capacity translations.
func NewTLB(capacity int) *TLB {
	return &TLB{
		capacity: capacity,
		entries:  make(map[mem.VAddr]tlbEntry),
	}
}

// Lookup returns the cached translation of a page, if present.
func (t *TLB) Lookup(page mem.VAddr) (mem.PAddr, Flags, bool) {
	t.Lock()
	defer t.Unlock()

	e, ok := t.entries[page]

	return e.paddr, e.flags, ok
}

// Insert caches a translation, evicting an arbitrary entry when full.
func (t *TLB) Insert(page mem.VAddr, paddr mem.PAddr, flags Flags) {
	t.Lock()
	defer t.Unlock()

	if len(t.entries) >= t.capacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}

	t.entries[page] = tlbEntry{paddr: paddr, flags: flags}
}

// Invalidate drops the cached translation of one page.
func (t *TLB) Invalidate(page mem.VAddr) {
	t.Lock()
	defer t.Unlock()

	delete(t.entries, page)
}

// Flush drops every cached translation. Switching address spaces flushes.
func (t *TLB) Flush() {
	t.Lock()
	defer t.Unlock()

	t.entries = make(map[mem.VAddr]tlbEntry)
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.Lock()
	defer t.Unlock()

	return len(t.entries)
}
