// Package memapi is the allocation-policy and ownership layer of the memory
// core. It combines a reserved virtual segment with a backing policy (eager
// or on-access frame allocation), installs the mappings, and owns the
// lifetime of both the segment and the frames until the allocation is freed.
package memapi

import (
	"io"

	"github.com/sarchlab/vmkit/mem"
)

// Strategy selects when the backing frames of an allocation are allocated.
type Strategy int

const (
	// AllocateNow backs every page with a frame before the allocation is
	// returned to its creator.
	AllocateNow Strategy = iota

	// AllocateOnAccess reserves the segment but defers frame allocation to
	// the first access of each page, one frame per fault.
	AllocateOnAccess
)

func (s Strategy) String() string {
	switch s {
	case AllocateNow:
		return "allocate-now"
	case AllocateOnAccess:
		return "allocate-on-access"
	default:
		return "unknown"
	}
}

// Location says where in the virtual address space an allocation goes.
type Location struct {
	fixed bool
	addr  mem.VAddr
}

// Anywhere lets the segment manager pick the lowest free range.
func Anywhere() Location {
	return Location{}
}

// Fixed requests a specific address. The range is page-aligned outward
// before it is claimed.
func Fixed(addr mem.VAddr) Location {
	return Location{fixed: true, addr: addr}
}

// Layout carries the size and alignment of an allocation request. Align
// must be a power of two no larger than the page size; zero means no
// requirement.
type Layout struct {
	Size  uint64
	Align uint64
}

// A Source backs an allocation with a byte range of a file or any other
// io.ReaderAt. Pages beyond Length read as zero.
type Source struct {
	Reader io.ReaderAt
	Offset int64
	Length uint64
}

// A Request describes one allocation.
type Request struct {
	Location       Location
	Layout         Layout
	Strategy       Strategy
	UserAccessible bool

	// Guarded surrounds the data pages with one permanently unmapped page
	// on each side, so that linear overruns fault instead of corrupting a
	// neighboring allocation.
	Guarded bool

	// Source, if non-nil, fills pages from the reader instead of zeroing
	// them.
	Source *Source
}

// AllocationInfo is a read-only snapshot of one live allocation, exposed for
// inspection tooling.
type AllocationInfo struct {
	Start         uint64 `json:"start"`
	Size          uint64 `json:"size"`
	Pages         uint64 `json:"pages"`
	ResidentPages uint64 `json:"resident_pages"`
	State         string `json:"state"`
	Strategy      string `json:"strategy"`
	Guarded       bool   `json:"guarded"`
}
